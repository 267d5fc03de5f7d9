package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// InFrame is the wire shape of every incoming message: {"t": <tag>, "d": <payload>}.
type InFrame struct {
	Tag  string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

// OutFrame is the wire shape of every outgoing message. Topic is only set
// when the frame originated from a group fan-out rather than a direct reply.
type OutFrame struct {
	Tag   string `json:"t"`
	Data  any    `json:"d"`
	Topic string `json:"topic,omitempty"`
}

// socket is the minimal transport a hub needs, satisfied by
// *websocket.Conn. Abstracted so hub logic can be exercised against a fake
// in tests without a real network round trip.
type socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// wsSocket adapts *websocket.Conn to socket.
type wsSocket struct {
	conn *websocket.Conn
}

func newWSSocket(conn *websocket.Conn) *wsSocket { return &wsSocket{conn: conn} }

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

func encodeFrame(f OutFrame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("hub: encode frame: %w", err)
	}
	return data, nil
}
