package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hubd/hubd/pkg/backplane"
)

// EnvelopeKind discriminates the three shapes that flow into a Connection's
// mailbox.
type EnvelopeKind string

const (
	// EnvelopeMessage is a group fan-out message: {type:"message", message:{type,data}}.
	EnvelopeMessage EnvelopeKind = "message"
	// EnvelopeDisconnect asks the owning hub to close its socket.
	EnvelopeDisconnect EnvelopeKind = "disconnect"
	// EnvelopeEvent is reserved for future internal-event delivery.
	EnvelopeEvent EnvelopeKind = "event"
)

// Envelope is a single mailbox item. Topic is stamped with the originating
// group name when delivered from a backplane channel named
// "cl/message/<group>", so the hub can forward it to the client as a
// topic-scoped frame.
type Envelope struct {
	Kind        EnvelopeKind
	Topic       string
	MessageType string
	Data        any
}

const mailboxCapacity = 256

// Connection is a per-socket channel-layer handle: a bounded mailbox plus
// group membership. Group names are only realized as backplane subscriptions
// while the connection is active (between Activate and Deactivate); before
// activation they are merely recorded.
type Connection struct {
	ID string

	layer   *Layer
	mailbox chan Envelope

	mu     sync.Mutex
	groups map[string]bool
	subs   map[string]backplane.Subscription
	active bool
}

func newConnection(layer *Layer) *Connection {
	return &Connection{
		ID:      uuid.NewString(),
		layer:   layer,
		mailbox: make(chan Envelope, mailboxCapacity),
		groups:  make(map[string]bool),
		subs:    make(map[string]backplane.Subscription),
	}
}

// AddToGroup joins a group. If the connection is active, the membership is
// immediately realized as a backplane subscription on "cl/message/<group>".
func (c *Connection) AddToGroup(ctx context.Context, name string) error {
	c.mu.Lock()
	if c.groups[name] {
		c.mu.Unlock()
		return nil
	}
	c.groups[name] = true
	active := c.active
	c.mu.Unlock()

	if active {
		return c.subscribeGroup(ctx, name)
	}
	return nil
}

// RemoveFromGroup leaves a group, detaching its backplane subscription if active.
func (c *Connection) RemoveFromGroup(name string) {
	c.mu.Lock()
	delete(c.groups, name)
	sub, ok := c.subs[name]
	delete(c.subs, name)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// RemoveAllGroups leaves every joined group.
func (c *Connection) RemoveAllGroups() {
	c.mu.Lock()
	names := make([]string, 0, len(c.groups))
	for name := range c.groups {
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		c.RemoveFromGroup(name)
	}
}

// Groups returns the currently joined group names.
func (c *Connection) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for name := range c.groups {
		out = append(out, name)
	}
	return out
}

// Activate realizes every currently-joined group as a backplane subscription.
// Idempotent. Subscriptions detach synchronously on Deactivate.
func (c *Connection) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	names := make([]string, 0, len(c.groups))
	for name := range c.groups {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		if err := c.subscribeGroup(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Deactivate detaches all live backplane subscriptions. In-flight mailbox
// items are left for the caller to drain or discard.
func (c *Connection) Deactivate() {
	c.mu.Lock()
	c.active = false
	subs := c.subs
	c.subs = make(map[string]backplane.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (c *Connection) subscribeGroup(ctx context.Context, name string) error {
	sub, err := c.layer.bp.Subscribe(ctx, groupChannel(name))
	if err != nil {
		return err
	}
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		sub.Close()
		return nil
	}
	c.subs[name] = sub
	c.mu.Unlock()

	go func() {
		for msg := range sub.C() {
			c.deliverFromBackplane(name, msg.Payload)
		}
	}()
	return nil
}

func (c *Connection) deliverFromBackplane(group string, payload []byte) {
	env, ok := decodeGroupPayload(payload)
	if !ok {
		slog.Warn("channel: failed to decode group payload", "group", group)
		return
	}
	env.Topic = group
	select {
	case c.mailbox <- env:
	default:
		slog.Warn("channel: mailbox full, dropping message", "connection_id", c.ID, "group", group)
	}
}

// Send enqueues a message envelope directly onto this connection's own
// mailbox, bypassing the backplane (a same-process loopback send).
func (c *Connection) Send(msgType string, data any) {
	select {
	case c.mailbox <- Envelope{Kind: EnvelopeMessage, MessageType: msgType, Data: data}:
	default:
		slog.Warn("channel: mailbox full on direct send, dropping", "connection_id", c.ID)
	}
}

// Disconnect posts a disconnect control envelope to this connection's own
// mailbox. The owning hub's dispatcher loop must close the socket on receipt.
func (c *Connection) Disconnect() {
	select {
	case c.mailbox <- Envelope{Kind: EnvelopeDisconnect}:
	default:
		slog.Warn("channel: mailbox full, cannot deliver disconnect", "connection_id", c.ID)
	}
}

// Messages exposes the mailbox for the owning hub's dispatcher loop to drain.
// Single-consumer: exactly one goroutine should range over this channel.
func (c *Connection) Messages() <-chan Envelope { return c.mailbox }
