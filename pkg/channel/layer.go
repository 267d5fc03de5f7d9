package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hubd/hubd/pkg/backplane"
)

const internalChannel = "cl/internal"

func groupChannel(name string) string { return "cl/message/" + name }

func internalLayerChannel(layerID string) string { return internalChannel + "/" + layerID }

// groupWire is the payload shape published on "cl/message/<group>". It
// mirrors the frame the client eventually sees, minus the topic, which is
// stamped on delivery from the group name itself.
type groupWire struct {
	MessageType string `json:"message_type"`
	Data        any    `json:"data"`
}

func encodeGroupPayload(msgType string, data any) ([]byte, error) {
	return json.Marshal(groupWire{MessageType: msgType, Data: data})
}

func decodeGroupPayload(payload []byte) (Envelope, bool) {
	var w groupWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return Envelope{}, false
	}
	return Envelope{Kind: EnvelopeMessage, MessageType: w.MessageType, Data: w.Data}, true
}

// closeConnectionWire is published on cl/internal/<layer_id> to ask the
// instance owning a connection to close it, for cases where the caller
// (e.g. an admin action) runs on a different instance than the socket.
type closeConnectionWire struct {
	ConnectionID string `json:"connection_id"`
}

// Layer is a ChannelLayer: it owns every live Connection on this instance
// and realizes group membership as Backplane subscriptions. Multiple
// instances sharing the same Backplane form one logical layer — a group_send
// issued on instance A reaches connections held on instance B.
type Layer struct {
	ID string
	bp backplane.Backplane

	mu          sync.RWMutex
	connections map[string]*Connection

	internalSub backplane.Subscription
	stopInternal context.CancelFunc
}

// NewLayer constructs a ChannelLayer bound to bp. Call Start before serving
// connections so this instance can receive cross-instance close requests.
func NewLayer(bp backplane.Backplane) *Layer {
	return &Layer{
		ID:          uuid.NewString(),
		bp:          bp,
		connections: make(map[string]*Connection),
	}
}

// Start subscribes to this instance's internal control channel. Must be
// called once before NewConnection is used in a multi-instance deployment.
func (l *Layer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	// Subscribe to both the broadcast control channel and this instance's
	// own targeted one: CloseConnection publishes to whichever reaches the
	// instance actually holding the connection without needing to know
	// which instance that is.
	sub, err := l.bp.Subscribe(ctx, internalChannel, internalLayerChannel(l.ID))
	if err != nil {
		cancel()
		return fmt.Errorf("channel: subscribe internal control: %w", err)
	}
	l.internalSub = sub
	l.stopInternal = cancel

	go func() {
		for msg := range sub.C() {
			l.handleInternal(msg.Payload)
		}
	}()
	return nil
}

func (l *Layer) handleInternal(payload []byte) {
	var w closeConnectionWire
	if err := json.Unmarshal(payload, &w); err != nil {
		slog.Warn("channel: bad internal control payload", "error", err)
		return
	}
	l.mu.RLock()
	conn, ok := l.connections[w.ConnectionID]
	l.mu.RUnlock()
	if ok {
		conn.Disconnect()
	}
}

// NewConnection allocates a Connection scoped to this layer and registers it.
// Callers must pass the returned handle to Layer.Close when the socket
// exits, typically via defer immediately after this call.
func (l *Layer) NewConnection() *Connection {
	conn := newConnection(l)
	l.mu.Lock()
	l.connections[conn.ID] = conn
	l.mu.Unlock()
	return conn
}

// Close deregisters conn from this layer and deactivates its subscriptions.
// Safe to call once per connection, typically deferred right after NewConnection.
func (l *Layer) Close(conn *Connection) {
	conn.Deactivate()
	conn.RemoveAllGroups()
	l.mu.Lock()
	delete(l.connections, conn.ID)
	l.mu.Unlock()
}

// GroupSend publishes a message to every connection — on any instance —
// currently subscribed to group.
func (l *Layer) GroupSend(ctx context.Context, group, msgType string, data any) error {
	return l.GroupsSend(ctx, []string{group}, msgType, data)
}

// GroupsSend publishes the same message to multiple groups in one call.
func (l *Layer) GroupsSend(ctx context.Context, groups []string, msgType string, data any) error {
	payload, err := encodeGroupPayload(msgType, data)
	if err != nil {
		return fmt.Errorf("channel: encode group payload: %w", err)
	}
	channels := make([]string, len(groups))
	for i, g := range groups {
		channels[i] = groupChannel(g)
	}
	return l.bp.PublishMany(ctx, channels, payload)
}

// CloseConnection closes a connection by id, whether it is held locally or
// by a peer instance sharing this layer's backplane.
func (l *Layer) CloseConnection(ctx context.Context, connectionID string) error {
	l.mu.RLock()
	conn, local := l.connections[connectionID]
	l.mu.RUnlock()
	if local {
		conn.Disconnect()
		return nil
	}
	payload, err := json.Marshal(closeConnectionWire{ConnectionID: connectionID})
	if err != nil {
		return fmt.Errorf("channel: encode close request: %w", err)
	}
	return l.bp.Publish(ctx, internalChannel, payload)
}

// Ping probes the underlying backplane's liveness.
func (l *Layer) Ping(ctx context.Context) error {
	return l.bp.Ping(ctx)
}

// Stop tears down the internal control subscription. Live connections are
// left to their own Close calls.
func (l *Layer) Stop() {
	if l.stopInternal != nil {
		l.stopInternal()
	}
	if l.internalSub != nil {
		l.internalSub.Close()
	}
}
