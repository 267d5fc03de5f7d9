package event_test

import (
	"testing"
	"time"

	"github.com/hubd/hubd/internal/testdb"
	"github.com/hubd/hubd/pkg/apperr"
	"github.com/hubd/hubd/pkg/backplane"
	"github.com/hubd/hubd/pkg/channel"
	"github.com/hubd/hubd/pkg/event"
	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/transitbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*event.Service, *store.Store, *channel.Layer) {
	t.Helper()
	st := testdb.Open(t)
	bp := backplane.NewInMemory()
	layer := channel.NewLayer(bp)
	require.NoError(t, layer.Start(t.Context()))
	bus := transitbus.New()
	t.Cleanup(func() {
		bus.Stop()
		layer.Stop()
		_ = bp.Close(t.Context())
	})
	svc := event.New(st, layer, bus, func() int64 { return time.Now().UnixMicro() })
	return svc, st, layer
}

func seedApp(t *testing.T, st *store.Store) store.Application {
	t.Helper()
	app := store.Application{ID: "app-1", Name: "fleet-a", DisplayName: "Fleet A", AccessKey: "k", CreatedAt: time.Now()}
	require.NoError(t, st.InsertApplication(t.Context(), app))
	return app
}

func TestService_CreateRejectsReservedEventType(t *testing.T) {
	svc, _, _ := newTestService(t)
	app := store.Application{ID: "app-1"}

	_, err := svc.Create(t.Context(), app, event.Descriptor{Name: "start"}, "127.0.0.1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestService_CreateStandaloneEventDerivesAppRoutingKey(t *testing.T) {
	svc, st, _ := newTestService(t)
	app := store.Application{ID: "app-2", Name: "fleet-b", DisplayName: "Fleet B", AccessKey: "k2", CreatedAt: time.Now()}
	require.NoError(t, st.InsertApplication(t.Context(), app))

	ev, err := svc.Create(t.Context(), app, event.Descriptor{Name: "heartbeat", Data: map[string]any{"ok": true}}, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "fleet-b/_/heartbeat", ev.EventKey)
}

func TestService_CreateRejectsEventOnForeignSequence(t *testing.T) {
	svc, st, _ := newTestService(t)
	app := seedApp(t, st)
	other := store.Application{ID: "app-other", Name: "other", DisplayName: "Other", AccessKey: "k3", CreatedAt: time.Now()}
	require.NoError(t, st.InsertApplication(t.Context(), other))

	seq := store.EventSequence{
		ID: "seq-1", AppID: other.ID, TaskID: "task-1", TaskName: "other/task",
		State: store.SequenceInProgress, StateUpdatedAt: time.Now(), CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.InsertSequence(t.Context(), seq))

	_, err := svc.Create(t.Context(), app, event.Descriptor{Name: "progress", SequenceID: seq.ID}, "127.0.0.1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestService_CreateRejectsEventOnFinishedSequence(t *testing.T) {
	svc, st, _ := newTestService(t)
	app := seedApp(t, st)

	seq := store.EventSequence{
		ID: "seq-2", AppID: app.ID, TaskID: "task-1", TaskName: "fleet-a/task",
		State: store.SequenceSucceeded, StateUpdatedAt: time.Now(), CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.InsertSequence(t.Context(), seq))

	_, err := svc.Create(t.Context(), app, event.Descriptor{Name: "progress", SequenceID: seq.ID}, "127.0.0.1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestService_CreateOnFrozenSequenceUnfreezesIt(t *testing.T) {
	svc, st, _ := newTestService(t)
	app := seedApp(t, st)

	frozenAt := time.Now().Add(-time.Hour)
	seq := store.EventSequence{
		ID: "seq-3", AppID: app.ID, TaskID: "task-1", TaskName: "fleet-a/task",
		State: store.SequenceFrozen, StateUpdatedAt: frozenAt, CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.InsertSequence(t.Context(), seq))

	_, err := svc.Create(t.Context(), app, event.Descriptor{Name: "progress", SequenceID: seq.ID, Data: map[string]any{"n": 1}}, "127.0.0.1")
	require.NoError(t, err)

	reread, err := st.GetSequence(t.Context(), seq.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SequenceInProgress, reread.State)
	assert.True(t, reread.StateUpdatedAt.After(frozenAt))
}

func TestService_NotifyReachesAppEventsAndEventKeyGroups(t *testing.T) {
	svc, st, layer := newTestService(t)
	app := seedApp(t, st)

	conn := layer.NewConnection()
	defer layer.Close(conn)
	require.NoError(t, conn.AddToGroup(t.Context(), "m/appEvents/"+app.ID))
	require.NoError(t, conn.AddToGroup(t.Context(), "e/key/fleet-a/_/heartbeat"))
	require.NoError(t, conn.Activate(t.Context()))

	_, err := svc.Create(t.Context(), app, event.Descriptor{Name: "heartbeat"}, "127.0.0.1")
	require.NoError(t, err)

	seen := 0
	for seen < 2 {
		select {
		case env := <-conn.Messages():
			assert.Equal(t, "new_event", env.MessageType)
			seen++
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for notify fan-out")
		}
	}
}
