// Package backplane implements the pluggable pub/sub substrate that the
// channel layer fans real-time notifications out over. Two backends are
// provided: an in-memory one for single-process deployments and tests, and a
// PostgreSQL LISTEN/NOTIFY backed one for multi-instance deployments.
//
// Both backends guarantee at-most-once delivery with no replay: a Subscribe
// that starts after a Publish may miss it. Callers must treat delivery as a
// hint and re-read authoritative state from the Store when in doubt.
package backplane

import "context"

// Message is a single delivered notification: the channel it arrived on and
// its opaque payload bytes (callers own the encoding — JSON in this system).
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a scoped resource returned by Subscribe. Messages arrive on
// C until Close is called (or the backend itself is closed); all matching
// upstream subscriptions are withdrawn before Close returns. The context
// passed to Subscribe bounds only the Subscribe call and does not end the
// subscription.
type Subscription interface {
	// C is the delivery channel. It is closed once the subscription has been
	// fully torn down; callers must drain it before considering Close done.
	C() <-chan Message
	// Close withdraws the subscription. Safe to call more than once.
	Close()
}

// Backplane is the pub/sub contract shared by both backends.
type Backplane interface {
	// Publish delivers payload to every current subscriber of channel.
	// Best-effort: a full subscriber mailbox drops the message with a
	// logged warning rather than blocking the publisher.
	Publish(ctx context.Context, channel string, payload []byte) error

	// PublishMany publishes the same payload to multiple channels. Order of
	// delivery across channels is unspecified; within a single channel,
	// publish order is preserved per-publisher.
	PublishMany(ctx context.Context, channels []string, payload []byte) error

	// Subscribe attaches a mailbox to the given channels and returns a scoped
	// Subscription. Callers must Close it to release the upstream
	// subscription; cancelling ctx does not.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Ping is a liveness probe. Implementations must return within the
	// caller's context deadline; the health endpoint allows 5s, and the
	// Postgres backend caps its own probe at 500ms within that.
	Ping(ctx context.Context) error

	// Close releases backend resources (connections, goroutines). Any
	// outstanding Subscriptions are closed.
	Close(ctx context.Context) error
}
