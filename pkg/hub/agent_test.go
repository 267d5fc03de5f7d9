package hub

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hubd/hubd/internal/testdb"
	"github.com/hubd/hubd/pkg/application"
	"github.com/hubd/hubd/pkg/backplane"
	"github.com/hubd/hubd/pkg/channel"
	"github.com/hubd/hubd/pkg/event"
	"github.com/hubd/hubd/pkg/sequence"
	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/task"
	"github.com/hubd/hubd/pkg/ticket"
	"github.com/hubd/hubd/pkg/transitbus"
	"github.com/stretchr/testify/require"
)

// fakeSocket is a socket a test can script: Read drains a queue of frames
// then returns io.EOF, and every Write is recorded for assertion.
type fakeSocket struct {
	mu      sync.Mutex
	inbox   [][]byte
	written []OutFrame
	closed  bool
}

func newFakeSocket(frames ...InFrame) *fakeSocket {
	fs := &fakeSocket{}
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			panic(err)
		}
		fs.inbox = append(fs.inbox, data)
	}
	return fs
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) == 0 {
		return nil, io.EOF
	}
	next := s.inbox[0]
	s.inbox = s.inbox[1:]
	return next, nil
}

func (s *fakeSocket) Write(ctx context.Context, data []byte) error {
	var f OutFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.mu.Lock()
	s.written = append(s.written, f)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close(reason string) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) frames() []OutFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutFrame, len(s.written))
	copy(out, s.written)
	return out
}

func frameByTag(frames []OutFrame, tag string) (OutFrame, bool) {
	for _, f := range frames {
		if f.Tag == tag {
			return f, true
		}
	}
	return OutFrame{}, false
}

func inFrame(tag string, data any) InFrame {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return InFrame{Tag: tag, Data: raw}
}

func newTestServices(t *testing.T) (*Services, *store.Store) {
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

	evSvc := event.New(st, layer, bus, func() int64 { return time.Now().UnixMicro() })
	seqSvc := sequence.New(st, layer, bus, evSvc)
	taskSvc := task.New(st, layer)
	appSvc := application.New(st)

	return &Services{
		Store:        st,
		Layer:        layer,
		Tickets:      ticket.NewRegistry([]byte("test-signing-key")),
		Events:       evSvc,
		Sequences:    seqSvc,
		Tasks:        taskSvc,
		Applications: appSvc,
	}, st
}

func seedApplication(t *testing.T, st *store.Store) store.Application {
	t.Helper()
	app := store.Application{ID: "app-1", Name: "fleet-a", DisplayName: "Fleet A", AccessKey: "k", CreatedAt: time.Now()}
	require.NoError(t, st.InsertApplication(t.Context(), app))
	return app
}

func runAgentHub(t *testing.T, svc *Services, app store.Application, sock *fakeSocket) *AgentHub {
	t.Helper()
	chConn := svc.Layer.NewConnection()
	t.Cleanup(func() { svc.Layer.Close(chConn) })

	h := &AgentHub{base: newBase(sock, chConn), svc: svc, app: app, ip: "127.0.0.1"}
	h.readyGate = func() bool { return h.ready }
	h.readyExempt = map[string]bool{"hello": true}
	h.registerHandlers()

	h.run(t.Context(), h.onConnected, h.onDisconnected)
	return h
}

func TestAgentHub_HelloHandshakeGreetsAndSendsTasks(t *testing.T) {
	svc, st := newTestServices(t)
	app := seedApplication(t, st)

	sock := newFakeSocket(inFrame("hello", HelloPayload{
		Name: "worker", Version: "1.0", ConnectionUUID: "conn-1",
	}))

	h := runAgentHub(t, svc, app, sock)
	require.True(t, h.ready)

	frames := sock.frames()
	intro, ok := frameByTag(frames, "introduction")
	require.True(t, ok)
	require.Equal(t, "ok", intro.Data.(map[string]any)["authentication"])

	greet, ok := frameByTag(frames, "greetings")
	require.True(t, ok)
	require.EqualValues(t, 1, greet.Data.(map[string]any)["connections_total"])

	_, ok = frameByTag(frames, "tasks")
	require.True(t, ok)

	// hello upserted the row as connected; the fake socket's EOF then ran
	// the disconnect handler, which marks it disconnected.
	require.True(t, h.info.IsConnected)
	conn, err := st.GetConnection(t.Context(), "conn-1")
	require.NoError(t, err)
	require.False(t, conn.IsConnected)
}

func TestAgentHub_HelloRecordsHostInServerRegistry(t *testing.T) {
	svc, st := newTestServices(t)
	app := seedApplication(t, st)

	sock := newFakeSocket(inFrame("hello", HelloPayload{
		Name: "worker", Version: "1.0", OSInfo: "linux-x86_64", ConnectionUUID: "conn-host",
	}))
	runAgentHub(t, svc, app, sock)

	stale, err := st.ListStaleServers(t.Context(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	var found bool
	for _, srv := range stale {
		if srv.ID == "127.0.0.1" {
			found = true
			require.Equal(t, "linux-x86_64", srv.Hostname)
		}
	}
	require.True(t, found, "hello must record the agent's host in the server registry")
}

func TestAgentHub_HelloComputesStableFingerprint(t *testing.T) {
	svc, st := newTestServices(t)
	app := seedApplication(t, st)

	sock := newFakeSocket(inFrame("hello", HelloPayload{
		Name: "worker", Version: "1.0", CompatibilityKey: "py3.11-x86_64", ConnectionUUID: "conn-fp",
	}))
	runAgentHub(t, svc, app, sock)

	conn, err := st.GetConnection(t.Context(), "conn-fp")
	require.NoError(t, err)
	require.NotEmpty(t, conn.Fingerprint)
	require.NotEqual(t, "py3.11-x86_64", conn.Fingerprint)
	require.Equal(t, connectionFingerprint("worker", "py3.11-x86_64"), conn.Fingerprint)

	// Reconnecting under a new connection_uuid with the same name and
	// compatibility_key must reproduce the identical fingerprint.
	sock2 := newFakeSocket(inFrame("hello", HelloPayload{
		Name: "worker", Version: "1.0", CompatibilityKey: "py3.11-x86_64", ConnectionUUID: "conn-fp-2",
	}))
	runAgentHub(t, svc, app, sock2)

	conn2, err := st.GetConnection(t.Context(), "conn-fp-2")
	require.NoError(t, err)
	require.Equal(t, conn.Fingerprint, conn2.Fingerprint)
}

func TestAgentHub_RejectsFramesBeforeHello(t *testing.T) {
	svc, st := newTestServices(t)
	app := seedApplication(t, st)

	sock := newFakeSocket(inFrame("synchronize", struct{}{}))
	h := runAgentHub(t, svc, app, sock)
	require.False(t, h.ready)

	frames := sock.frames()
	errFrame, ok := frameByTag(frames, "error")
	require.True(t, ok)
	require.Equal(t, "invalid_data", errFrame.Data.(map[string]any)["error_type"])
}

func TestAgentHub_SendLogReportsLastInsertedID(t *testing.T) {
	svc, st := newTestServices(t)
	app := seedApplication(t, st)

	sock := newFakeSocket(
		inFrame("hello", HelloPayload{Name: "worker", Version: "1.0", ConnectionUUID: "conn-2"}),
		inFrame("send_log", sendLogPayload{Logs: []logLine{
			{T: 1, Severity: store.LogInfo, Body: "first"},
			{T: 2, Severity: store.LogInfo, Body: "second"},
		}}),
	)

	runAgentHub(t, svc, app, sock)

	frames := sock.frames()
	sent, ok := frameByTag(frames, "logs_sent")
	require.True(t, ok)
	require.EqualValues(t, 2, sent.Data.(map[string]any)["count"])
	require.NotEmpty(t, sent.Data.(map[string]any)["last"])
}

func TestAgentHub_DisconnectFreezesOwnedSequences(t *testing.T) {
	svc, st := newTestServices(t)
	app := seedApplication(t, st)
	taskRow, err := svc.Tasks.Define(t.Context(), app, task.Descriptor{Name: "build"})
	require.NoError(t, err)

	sock := newFakeSocket(inFrame("hello", HelloPayload{Name: "worker", Version: "1.0", ConnectionUUID: "conn-3"}))
	h := runAgentHub(t, svc, app, sock)

	seq, err := svc.Sequences.CreateAndStart(t.Context(), app, sequence.Descriptor{
		TaskID: taskRow.ID, ConnectionID: "conn-3",
	}, "127.0.0.1")
	require.NoError(t, err)

	h.onDisconnected(nil)

	updated, err := st.GetSequence(t.Context(), seq.ID)
	require.NoError(t, err)
	require.Equal(t, store.SequenceFrozen, updated.State)
	require.True(t, updated.StateUpdatedAt.After(seq.StateUpdatedAt),
		"freezing must bump state_updated_at, or the orphan reaper's 24h window starts from the original in_progress timestamp")

	conn, err := st.GetConnection(t.Context(), "conn-3")
	require.NoError(t, err)
	require.False(t, conn.IsConnected)
}
