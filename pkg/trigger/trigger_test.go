package trigger_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hubd/hubd/internal/testdb"
	"github.com/hubd/hubd/pkg/backplane"
	"github.com/hubd/hubd/pkg/channel"
	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) (*trigger.Evaluator, *store.Store, *channel.Layer) {
	t.Helper()
	st := testdb.Open(t)
	bp := backplane.NewInMemory()
	layer := channel.NewLayer(bp)
	require.NoError(t, layer.Start(t.Context()))
	t.Cleanup(func() {
		layer.Stop()
		_ = bp.Close(t.Context())
	})
	ev, err := trigger.New(st, layer)
	require.NoError(t, err)
	return ev, st, layer
}

func seedApp(t *testing.T, st *store.Store) store.Application {
	t.Helper()
	app := store.Application{ID: "app-1", Name: "fleet-a", DisplayName: "Fleet A", AccessKey: "k", CreatedAt: time.Now()}
	require.NoError(t, st.InsertApplication(t.Context(), app))
	return app
}

func TestEvaluator_FsnotifyTriggerNudgesAgentGroup(t *testing.T) {
	ev, st, layer := newHarness(t)
	app := seedApp(t, st)

	dir := t.TempDir()
	watched := filepath.Join(dir, "marker")
	require.NoError(t, os.WriteFile(watched, []byte("initial"), 0o644))

	task := store.ApplicationTask{
		ID: "task-1", AppID: app.ID, Name: "sync", QualifiedName: "fleet-a/sync",
		Triggers: []store.TaskTrigger{{Kind: "fsnotify", Path: watched}},
	}
	require.NoError(t, st.InsertTask(t.Context(), task))

	conn := layer.NewConnection()
	defer layer.Close(conn)
	require.NoError(t, conn.AddToGroup(t.Context(), "a/"+app.ID))
	require.NoError(t, conn.Activate(t.Context()))

	require.NoError(t, ev.Start(t.Context()))
	require.NoError(t, os.WriteFile(watched, []byte("changed"), 0o644))

	select {
	case env := <-conn.Messages():
		assert.Equal(t, "force_reconnect", env.MessageType)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fsnotify-triggered nudge")
	}
}

func TestEvaluator_ReloadIsIdempotentForUntriggeredTask(t *testing.T) {
	ev, st, _ := newHarness(t)
	app := seedApp(t, st)

	task := store.ApplicationTask{
		ID: "task-1", AppID: app.ID, Name: "sync", QualifiedName: "fleet-a/sync",
		Triggers: []store.TaskTrigger{{Kind: "cron", Cron: "*/5 * * * *"}},
	}
	require.NoError(t, st.InsertTask(t.Context(), task))
	require.NoError(t, ev.Start(t.Context()))

	// Reload must cleanly unregister and, since Triggers is now empty,
	// register nothing — calling it twice must not panic or double-free.
	task.Triggers = nil
	ev.Reload(task)
	ev.Reload(task)
}
