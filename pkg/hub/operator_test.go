package hub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func runOperatorHub(t *testing.T, svc *Services, userID string, sock *fakeSocket) *OperatorHub {
	t.Helper()
	chConn := svc.Layer.NewConnection()
	t.Cleanup(func() { svc.Layer.Close(chConn) })

	h := &OperatorHub{base: newBase(sock, chConn), svc: svc, userID: userID, topics: make(map[string]bool)}
	h.registerHandlers()

	h.run(t.Context(), h.onConnected, h.onDisconnected)
	return h
}

func TestOperatorHub_SetTopicsRejectsOutsideMonitoringNamespace(t *testing.T) {
	svc, _ := newTestServices(t)

	sock := newFakeSocket(inFrame("set_topics", []string{"m/app/app-1", "a/app-1", "m/sequence/seq-1"}))
	h := runOperatorHub(t, svc, "user-1", sock)

	require.Len(t, h.topics, 2)
	require.True(t, h.topics["m/app/app-1"])
	require.True(t, h.topics["m/sequence/seq-1"])
	require.False(t, h.topics["a/app-1"])

	syncFrame, ok := frameByTag(sock.frames(), "sync")
	require.True(t, ok)
	topics := syncFrame.Data.(map[string]any)["topics"].([]any)
	require.Len(t, topics, 2)
}

func TestOperatorHub_SubAcceptsSingleStringOrList(t *testing.T) {
	svc, _ := newTestServices(t)

	sock := newFakeSocket(
		inFrame("sub", "m/app/app-1"),
		inFrame("sub", []string{"m/app/app-2", "m/app/app-3"}),
	)
	h := runOperatorHub(t, svc, "user-1", sock)

	require.Len(t, h.topics, 3)
}

func TestOperatorHub_UnsubAllClearsTopics(t *testing.T) {
	svc, _ := newTestServices(t)

	sock := newFakeSocket(
		inFrame("sub", []string{"m/app/app-1", "m/app/app-2"}),
		inFrame("unsuball", struct{}{}),
	)
	h := runOperatorHub(t, svc, "user-1", sock)

	require.Empty(t, h.topics)
}
