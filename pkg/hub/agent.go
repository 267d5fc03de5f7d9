package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/hubd/hubd/pkg/apperr"
	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/ticket"
)

// fingerprintVersion is the leading element of the hashed tuple, bumped
// whenever the fingerprint formula changes so old and new fingerprints
// never collide.
const fingerprintVersion = 1

// connectionFingerprint identifies an agent installation independent of its
// connection_uuid: connections with different uuids but the same name and
// compatibility_key share a fingerprint. sha256 over the JSON tuple
// [version, name, compatibility_key].
func connectionFingerprint(name, compatibilityKey string) string {
	data, _ := json.Marshal([]any{fingerprintVersion, name, compatibilityKey})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

const disconnectedConnectionTTL = 12 * time.Hour

// HelloPayload is the ApplicationClientInfo an agent must send as its first
// frame. Any other frame before hello is rejected by the ready gate.
type HelloPayload struct {
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	CompatibilityKey string   `json:"compatibility_key,omitempty"`
	OSInfo           string   `json:"os_info,omitempty"`
	ConnectionUUID   string   `json:"connection_uuid"`
	MachineID        string   `json:"machine_id,omitempty"`
	InstanceID       string   `json:"instance_id,omitempty"`
	Subscriptions    []string `json:"subscriptions,omitempty"`
}

type logLine struct {
	T        int64             `json:"t"`
	Severity store.LogSeverity `json:"severity"`
	Body     string            `json:"body"`
	Extra    map[string]any    `json:"extra,omitempty"`
}

type sendLogPayload struct {
	SequenceID string    `json:"sequence_id,omitempty"`
	Logs       []logLine `json:"logs"`
}

// AgentHub is the per-socket state for one connected agent.
type AgentHub struct {
	base
	svc *Services

	app  store.Application
	ip   string
	info store.ConnectionInfo
	sub  []string

	ready bool
}

// ServeAgent authenticates raw as an application ticket, and if it checks
// out, runs the agent hub protocol on conn until the socket closes. Blocks
// until the connection ends.
func ServeAgent(ctx context.Context, conn *websocket.Conn, raw, remoteIP string, svc *Services) {
	appID, err := svc.Tickets.Verify(raw, ticket.KindApplication)
	if err != nil {
		writeAuthFailure(ctx, conn, "invalid or expired ticket")
		return
	}
	app, err := svc.Store.GetApplication(ctx, appID)
	if err != nil {
		writeAuthFailure(ctx, conn, "application could not be found")
		return
	}

	chConn := svc.Layer.NewConnection()
	defer svc.Layer.Close(chConn)

	h := &AgentHub{
		base: newBase(newWSSocket(conn), chConn),
		svc:  svc,
		app:  app,
		ip:   remoteIP,
	}
	h.readyGate = func() bool { return h.ready }
	h.readyExempt = map[string]bool{"hello": true}
	h.registerHandlers()

	h.run(ctx, h.onConnected, h.onDisconnected)
}

func writeAuthFailure(ctx context.Context, conn *websocket.Conn, message string) {
	_ = conn.Write(ctx, websocket.MessageText, mustEncode(OutFrame{
		Tag:  "error",
		Data: map[string]string{"error_type": string(apperr.KindAuthentication), "error": message},
	}))
	_ = conn.Close(websocket.StatusPolicyViolation, "authentication_failed")
}

func mustEncode(f OutFrame) []byte {
	data, err := encodeFrame(f)
	if err != nil {
		return []byte(`{"t":"error","d":{"error_type":"internal","error":"encode failure"}}`)
	}
	return data
}

func (h *AgentHub) registerHandlers() {
	registerMessage(&h.base, "hello", h.onHello)
	registerMessage(&h.base, "set_subscriptions", h.onSetSubscriptions)
	registerMessage(&h.base, "subscribe", h.onSubscribe)
	registerMessage(&h.base, "unsubscribe", h.onUnsubscribe)
	registerMessage(&h.base, "abandon", h.onAbandon)
	registerMessage(&h.base, "check_orphans", h.onCheckOrphans)
	registerMessage(&h.base, "synchronize", h.onSynchronize)
	registerMessage(&h.base, "send_log", h.onSendLog)
}

func (h *AgentHub) onConnected(ctx context.Context) {
	h.send(ctx, "introduction", map[string]any{
		"authentication": "ok",
		"app_id":         h.app.ID,
	})
}

func (h *AgentHub) onHello(ctx context.Context, msg HelloPayload) error {
	if h.ready {
		return apperr.Validation("you cannot introduce yourself twice")
	}
	if msg.ConnectionUUID == "" {
		return apperr.Validation("connection_uuid is required")
	}

	now := time.Now()
	info, err := h.svc.Store.UpsertConnection(ctx, store.ConnectionInfo{
		ID:                 msg.ConnectionUUID,
		AppID:              h.app.ID,
		IP:                 h.ip,
		OS:                 msg.OSInfo,
		ClientName:         msg.Name,
		ClientVersion:      msg.Version,
		Fingerprint:        connectionFingerprint(msg.Name, msg.CompatibilityKey),
		MachineID:          msg.MachineID,
		InstanceID:         msg.InstanceID,
		ConnectedAt:        &now,
		EventSubscriptions: msg.Subscriptions,
	})
	if err != nil {
		return apperr.Internal(fmt.Errorf("upsert connection: %w", err))
	}
	h.info = info
	h.ready = true

	if err := h.svc.Store.UpsertServer(ctx, h.ip, msg.OSInfo, now); err != nil {
		slog.Warn("failed to record server registry entry", "ip", h.ip, "error", err)
	}

	if err := h.conn.AddToGroup(ctx, "a/"+h.app.ID); err != nil {
		return apperr.Internal(err)
	}
	if len(msg.Subscriptions) > 0 {
		if err := h.applySubscriptions(ctx, msg.Subscriptions); err != nil {
			return err
		}
	}

	total, err := h.svc.Store.CountConnected(ctx, h.app.ID)
	if err != nil {
		return apperr.Internal(fmt.Errorf("count connected: %w", err))
	}
	h.send(ctx, "greetings", map[string]any{"connections_total": total})
	_ = h.svc.Layer.GroupSend(ctx, "m/app/"+h.app.ID, "connection", h.info)

	if err := h.sendTasks(ctx); err != nil {
		return err
	}
	return h.sendDetectedOrphans(ctx)
}

func (h *AgentHub) applySubscriptions(ctx context.Context, keys []string) error {
	for _, old := range h.sub {
		h.conn.RemoveFromGroup("e/key/" + old)
	}
	for _, k := range keys {
		if err := h.conn.AddToGroup(ctx, "e/key/"+k); err != nil {
			return apperr.Internal(err)
		}
	}
	h.sub = keys
	if err := h.svc.Store.SetEventSubscriptions(ctx, h.info.ID, keys); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (h *AgentHub) onSetSubscriptions(ctx context.Context, keys []string) error {
	return h.applySubscriptions(ctx, keys)
}

func (h *AgentHub) onSubscribe(ctx context.Context, key string) error {
	next := append(append([]string{}, h.sub...), key)
	return h.applySubscriptions(ctx, next)
}

func (h *AgentHub) onUnsubscribe(ctx context.Context, key string) error {
	next := make([]string, 0, len(h.sub))
	for _, k := range h.sub {
		if k != key {
			next = append(next, k)
		}
	}
	return h.applySubscriptions(ctx, next)
}

func (h *AgentHub) onAbandon(ctx context.Context, ids []string) error {
	if err := h.svc.Sequences.Abandon(ctx, h.info.ID, ids); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (h *AgentHub) onCheckOrphans(ctx context.Context, _ struct{}) error {
	return h.sendDetectedOrphans(ctx)
}

func (h *AgentHub) sendDetectedOrphans(ctx context.Context) error {
	frozen, err := h.svc.Store.ListSequencesByConnection(ctx, h.info.ID, store.SequenceFrozen)
	if err != nil {
		return apperr.Internal(err)
	}
	if len(frozen) == 0 {
		return nil
	}
	ids := make([]string, len(frozen))
	for i, s := range frozen {
		ids[i] = s.ID
	}
	h.send(ctx, "detected_orphans", map[string]any{"ids": ids})
	return nil
}

func (h *AgentHub) onSynchronize(ctx context.Context, _ struct{}) error {
	return h.sendTasks(ctx)
}

func (h *AgentHub) sendTasks(ctx context.Context) error {
	tasks, err := h.svc.Tasks.ListByApp(ctx, h.app.ID)
	if err != nil {
		return apperr.Internal(err)
	}
	h.send(ctx, "tasks", tasks)
	return nil
}

func (h *AgentHub) onSendLog(ctx context.Context, msg sendLogPayload) error {
	if len(msg.Logs) == 0 {
		return apperr.Validation("logs must not be empty")
	}
	rows := make([]store.AppLog, len(msg.Logs))
	for i, l := range msg.Logs {
		rows[i] = store.AppLog{
			ID:         uuid.NewString(),
			AppID:      h.app.ID,
			SequenceID: msg.SequenceID,
			Severity:   l.Severity,
			Body:       l.Body,
			Extra:      l.Extra,
			T:          l.T,
		}
	}
	if err := h.svc.Store.InsertAppLogs(ctx, rows); err != nil {
		return apperr.Internal(err)
	}
	h.send(ctx, "logs_sent", map[string]any{"count": len(rows), "last": rows[len(rows)-1].ID})
	return nil
}

func (h *AgentHub) onDisconnected(_ error) {
	if h.info.ID == "" {
		return
	}
	ctx := context.Background()

	current, err := h.svc.Store.GetConnection(ctx, h.info.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("hub: re-read connection on disconnect failed", "connection_id", h.info.ID, "error", err)
		}
		return
	}

	now := time.Now()
	if _, err := h.svc.Store.MarkDisconnected(ctx, current.ID, current.Revision, now.Add(disconnectedConnectionTTL), now); err != nil {
		slog.Error("hub: mark disconnected failed", "connection_id", current.ID, "error", err)
	}

	if err := h.svc.Sequences.FreezeByConnection(ctx, current.ID); err != nil {
		slog.Error("hub: freeze sequences on disconnect failed", "connection_id", current.ID, "error", err)
	}

	_ = h.svc.Layer.GroupSend(ctx, "m/app/"+h.app.ID, "connection", current)
}
