package hub

import (
	"github.com/hubd/hubd/pkg/application"
	"github.com/hubd/hubd/pkg/channel"
	"github.com/hubd/hubd/pkg/event"
	"github.com/hubd/hubd/pkg/sequence"
	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/task"
	"github.com/hubd/hubd/pkg/ticket"
)

// Services bundles every dependency a hub needs to service frames. One
// instance is shared by every connection on this process — it carries no
// per-connection state itself, avoiding the package-level globals the
// protocol design explicitly calls out to avoid.
type Services struct {
	Store        *store.Store
	Layer        *channel.Layer
	Tickets      *ticket.Registry
	Events       *event.Service
	Sequences    *sequence.Service
	Tasks        *task.Service
	Applications *application.Service
}
