// Package hub implements the per-socket Hub Protocol state machine shared by
// the agent and operator WebSocket endpoints: accept, authenticate, register
// a Connection, run concurrent receiver/dispatcher loops, and tear down on
// disconnect. Typed message handlers are registered with registerMessage,
// mirroring the tagged bind_message/bind_event dispatch the protocol was
// modeled on, expressed here as a plain string-keyed handler table instead
// of reflection over annotated methods.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hubd/hubd/pkg/apperr"
	"github.com/hubd/hubd/pkg/channel"
)

type handlerFunc func(ctx context.Context, raw json.RawMessage) error

// base is embedded by AgentHub and OperatorHub. It owns the wire-level
// receiver/dispatcher loop pair; subtypes only register handlers and
// implement onConnected/onDisconnected.
type base struct {
	socket socket
	conn   *channel.Connection

	handlers map[string]handlerFunc

	// readyGate, when non-nil, is consulted before every handler except
	// the tags in readyExempt: if it returns false the frame is rejected
	// with an error instead of being dispatched. Agents use this to
	// enforce "hello first"; operators leave it nil.
	readyGate   func() bool
	readyExempt map[string]bool
}

func newBase(sock socket, conn *channel.Connection) base {
	return base{socket: sock, conn: conn, handlers: make(map[string]handlerFunc)}
}

// register binds a raw handler to an incoming tag.
func (b *base) register(tag string, fn handlerFunc) {
	b.handlers[tag] = fn
}

// registerMessage decodes the frame's data payload into T before calling fn.
// An empty payload decodes to T's zero value.
func registerMessage[T any](b *base, tag string, fn func(ctx context.Context, msg T) error) {
	b.register(tag, func(ctx context.Context, raw json.RawMessage) error {
		var v T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return apperr.Validation("malformed %q payload: %v", tag, err)
			}
		}
		return fn(ctx, v)
	})
}

// send writes a frame directly back to this socket — the protocol's
// synchronous "a handler may send zero or more frames back" escape hatch.
func (b *base) send(ctx context.Context, tag string, data any) {
	b.writeFrame(ctx, OutFrame{Tag: tag, Data: data})
}

// sendError writes an "error" frame. The socket is never closed for this;
// only authentication failures close the socket, and that happens before
// the receive loop starts.
func (b *base) sendError(ctx context.Context, kind apperr.Kind, message string) {
	b.writeFrame(ctx, OutFrame{Tag: "error", Data: map[string]string{
		"error_type": string(kind),
		"error":      message,
	}})
}

func (b *base) writeFrame(ctx context.Context, f OutFrame) {
	data, err := encodeFrame(f)
	if err != nil {
		slog.Error("hub: encode outgoing frame failed", "tag", f.Tag, "error", err)
		return
	}
	if err := b.socket.Write(ctx, data); err != nil {
		slog.Debug("hub: write failed, socket likely closing", "error", err)
	}
}

// run drives the state machine from register Connection onward: it starts
// the dispatcher loop (drains the mailbox to the socket), calls onConnected,
// then blocks in the receiver loop until the socket closes or a disconnect
// envelope arrives. onDisconnected always runs exactly once before run
// returns.
func (b *base) run(ctx context.Context, onConnected func(ctx context.Context), onDisconnected func(err error)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.conn.Activate(ctx); err != nil {
		slog.Error("hub: activate connection failed", "error", err)
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		b.dispatchLoop(ctx, cancel)
	}()

	onConnected(ctx)
	err := b.receiveLoop(ctx)
	cancel()
	<-dispatchDone
	onDisconnected(err)
}

func (b *base) dispatchLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-b.conn.Messages():
			if !ok {
				return
			}
			switch env.Kind {
			case channel.EnvelopeDisconnect:
				_ = b.socket.Close("")
				cancel()
				return
			case channel.EnvelopeMessage:
				b.writeFrame(ctx, OutFrame{Tag: env.MessageType, Data: env.Data, Topic: env.Topic})
			}
		}
	}
}

func (b *base) receiveLoop(ctx context.Context) error {
	for {
		raw, err := b.socket.Read(ctx)
		if err != nil {
			return err
		}

		var f InFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			b.sendError(ctx, apperr.KindValidation, "invalid frame: not a JSON object with t/d fields")
			continue
		}

		if b.readyGate != nil && !b.readyExempt[f.Tag] && !b.readyGate() {
			b.sendError(ctx, apperr.KindValidation, `you must send "hello" first`)
			continue
		}

		handler, ok := b.handlers[f.Tag]
		if !ok {
			b.sendError(ctx, apperr.KindValidation, fmt.Sprintf("unknown message type %q", f.Tag))
			continue
		}

		if err := handler(ctx, f.Data); err != nil {
			b.handleError(ctx, err)
		}
	}
}

func (b *base) handleError(ctx context.Context, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		b.sendError(ctx, ae.Kind, ae.Message)
		return
	}
	slog.Error("hub: handler failed", "error", err)
	b.sendError(ctx, apperr.KindInternal, "internal error")
}
