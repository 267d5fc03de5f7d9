package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coder/websocket"
	"github.com/hubd/hubd/pkg/apperr"
	"github.com/hubd/hubd/pkg/ticket"
)

// stringOrSlice decodes either a single JSON string or an array of strings,
// matching sub/unsub's permissive payload shape.
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected a string or array of strings: %w", err)
	}
	*s = many
	return nil
}

// monitoringPrefix is the only group namespace an operator may join.
// Everything an agent publishes for observers — connection churn, sequence
// lifecycle, task changes — lands on a group under this prefix.
const monitoringPrefix = "m/"

// OperatorHub is the per-socket state for one connected monitoring client
// (an operator's browser session). Unlike AgentHub it has no ready gate:
// every message is legal from the first frame.
type OperatorHub struct {
	base
	svc *Services

	userID string
	topics map[string]bool
}

// ServeOperator authenticates raw as a user ticket and, if it checks out,
// runs the operator hub protocol on conn until the socket closes. Blocks
// until the connection ends.
func ServeOperator(ctx context.Context, conn *websocket.Conn, raw string, svc *Services) {
	userID, err := svc.Tickets.Verify(raw, ticket.KindUser)
	if err != nil {
		writeAuthFailure(ctx, conn, "invalid or expired ticket")
		return
	}

	chConn := svc.Layer.NewConnection()
	defer svc.Layer.Close(chConn)

	h := &OperatorHub{
		base:   newBase(newWSSocket(conn), chConn),
		svc:    svc,
		userID: userID,
		topics: make(map[string]bool),
	}
	h.registerHandlers()

	h.run(ctx, h.onConnected, h.onDisconnected)
}

func (h *OperatorHub) registerHandlers() {
	registerMessage(&h.base, "set_topics", h.onSetTopics)
	registerMessage(&h.base, "sub", h.onSub)
	registerMessage(&h.base, "unsub", h.onUnsub)
	registerMessage(&h.base, "unsuball", h.onUnsubAll)
	registerMessage(&h.base, "sync", h.onSync)
}

func (h *OperatorHub) onConnected(ctx context.Context) {
	if err := h.conn.AddToGroup(ctx, "u/"+h.userID); err != nil {
		slog.Error("hub: operator join own group failed", "user_id", h.userID, "error", err)
	}
	h.send(ctx, "introduction", map[string]any{"authentication": "ok"})
}

func (h *OperatorHub) onSetTopics(ctx context.Context, topics []string) error {
	next := make(map[string]bool, len(topics))
	for _, t := range topics {
		if !strings.HasPrefix(t, monitoringPrefix) {
			continue
		}
		next[t] = true
		if !h.topics[t] {
			if err := h.conn.AddToGroup(ctx, t); err != nil {
				return apperr.Internal(err)
			}
		}
	}
	for t := range h.topics {
		if !next[t] {
			h.conn.RemoveFromGroup(t)
		}
	}
	h.topics = next
	return h.sync(ctx)
}

func (h *OperatorHub) onSub(ctx context.Context, topics stringOrSlice) error {
	for _, t := range topics {
		if !strings.HasPrefix(t, monitoringPrefix) || t == "" || h.topics[t] {
			continue
		}
		h.topics[t] = true
		if err := h.conn.AddToGroup(ctx, t); err != nil {
			return apperr.Internal(err)
		}
	}
	return h.sync(ctx)
}

func (h *OperatorHub) onUnsub(ctx context.Context, topics stringOrSlice) error {
	for _, t := range topics {
		if t == "" || !h.topics[t] {
			continue
		}
		delete(h.topics, t)
		h.conn.RemoveFromGroup(t)
	}
	return h.sync(ctx)
}

func (h *OperatorHub) onUnsubAll(ctx context.Context, _ struct{}) error {
	for t := range h.topics {
		h.conn.RemoveFromGroup(t)
	}
	h.topics = make(map[string]bool)
	return h.sync(ctx)
}

func (h *OperatorHub) onSync(ctx context.Context, _ struct{}) error {
	return h.sync(ctx)
}

func (h *OperatorHub) sync(ctx context.Context) error {
	topics := make([]string, 0, len(h.topics))
	for t := range h.topics {
		topics = append(topics, t)
	}
	h.send(ctx, "sync", map[string]any{"topics": topics})
	return nil
}

func (h *OperatorHub) onDisconnected(_ error) {}
