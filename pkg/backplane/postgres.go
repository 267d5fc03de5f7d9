package backplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// notifyPayloadLimit sits just under PostgreSQL's NOTIFY payload ceiling
// (8000 bytes), leaving a margin. Payloads are truncated to a routing-only envelope above this size so a
// NOTIFY call never fails outright; callers that need the full payload must
// re-read authoritative state from the Store.
const notifyPayloadLimit = 7900

// listenCmd serializes LISTEN/UNLISTEN through the receive loop, which is the
// sole goroutine allowed to touch the dedicated pgx connection — concurrent
// WaitForNotification and Exec calls on the same *pgx.Conn race.
type listenCmd struct {
	sql     string
	channel string
	gen     uint64 // generation captured at Unsubscribe time; 0 for LISTEN
	result  chan error
}

// Postgres is a Backplane backed by LISTEN/NOTIFY on a dedicated connection.
// One receive loop demultiplexes incoming NOTIFYs to per-channel subscriber
// lists; publishing uses a separate pool connection via pgx.Conn.Exec.
type Postgres struct {
	connString string
	pool       *pgx.Conn // shared publish connection

	conn   *pgx.Conn
	connMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string][]*pgSub

	// cmdCh and listenGen follow the generation-counter discipline used by
	// the Postgres NOTIFY listener this backend is grounded on: a LISTEN
	// always executes even if already marked active (idempotent on the
	// server), and an UNLISTEN captured before a racing LISTEN is dropped as
	// stale rather than undoing the newer subscription.
	cmdCh     chan listenCmd
	listenGen map[string]uint64
	genMu     sync.Mutex

	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

type pgSub struct {
	ch       chan Message
	channels []string
	once     sync.Once
	bp       *Postgres
}

func (s *pgSub) C() <-chan Message { return s.ch }
func (s *pgSub) Close()            { s.once.Do(func() { s.bp.detach(context.Background(), s) }) }

// NewPostgres creates a Postgres backplane. Call Start before use.
func NewPostgres(connString string) *Postgres {
	return &Postgres{
		connString: connString,
		subs:       make(map[string][]*pgSub),
		cmdCh:      make(chan listenCmd, 16),
		listenGen:  make(map[string]uint64),
	}
}

// Start establishes the dedicated LISTEN connection and the publish
// connection, and begins the receive loop.
func (b *Postgres) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, b.connString)
	if err != nil {
		return fmt.Errorf("backplane: connect for LISTEN: %w", err)
	}
	pool, err := pgx.Connect(ctx, b.connString)
	if err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("backplane: connect for publish: %w", err)
	}

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()
	b.pool = pool
	b.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	b.loopDone = make(chan struct{})
	go func() {
		defer close(b.loopDone)
		b.receiveLoop(loopCtx)
	}()

	slog.Info("backplane: postgres listener started")
	return nil
}

func (b *Postgres) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.PublishMany(ctx, []string{channel}, payload)
}

func (b *Postgres) PublishMany(ctx context.Context, channels []string, payload []byte) error {
	body := truncateIfNeeded(payload)
	for _, channel := range channels {
		if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, body); err != nil {
			return fmt.Errorf("backplane: pg_notify %s: %w", channel, err)
		}
	}
	return nil
}

// truncateIfNeeded returns payload unchanged if it fits PostgreSQL's NOTIFY
// limit, otherwise a routing-only stub signalling the loss.
func truncateIfNeeded(payload []byte) string {
	if len(payload) <= notifyPayloadLimit {
		return string(payload)
	}
	return `{"truncated":true}`
}

func (b *Postgres) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	sub := &pgSub{ch: make(chan Message, mailboxCapacity), channels: channels, bp: b}

	b.subsMu.Lock()
	for _, channel := range channels {
		needsListen := len(b.subs[channel]) == 0
		b.subs[channel] = append(b.subs[channel], sub)
		b.subsMu.Unlock()
		if needsListen {
			if err := b.listen(ctx, channel); err != nil {
				b.detach(ctx, sub)
				return nil, err
			}
		}
		b.subsMu.Lock()
	}
	b.subsMu.Unlock()

	return sub, nil
}

func (b *Postgres) listen(ctx context.Context, channel string) error {
	if !b.running.Load() {
		return fmt.Errorf("backplane: listener not started")
	}
	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "LISTEN " + sanitized, channel: channel, result: make(chan error, 1)}
	select {
	case b.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Postgres) unlisten(ctx context.Context, channel string) {
	b.genMu.Lock()
	gen := b.listenGen[channel]
	b.genMu.Unlock()

	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "UNLISTEN " + sanitized, channel: channel, gen: gen, result: make(chan error, 1)}
	select {
	case b.cmdCh <- cmd:
		<-cmd.result
	default:
	}
}

func (b *Postgres) detach(ctx context.Context, sub *pgSub) {
	var emptied []string
	b.subsMu.Lock()
	for _, channel := range sub.channels {
		list := b.subs[channel]
		for i, s := range list {
			if s == sub {
				b.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
			emptied = append(emptied, channel)
		}
	}
	b.subsMu.Unlock()
	close(sub.ch)

	for _, channel := range emptied {
		b.unlisten(ctx, channel)
	}
}

func (b *Postgres) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.processPendingCmds(ctx)

		b.connMu.Lock()
		conn := b.conn
		b.connMu.Unlock()
		if conn == nil {
			b.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("backplane: NOTIFY receive error", "error", err)
			b.reconnect(ctx)
			continue
		}

		b.subsMu.RLock()
		targets := append([]*pgSub(nil), b.subs[notification.Channel]...)
		b.subsMu.RUnlock()

		msg := Message{Channel: notification.Channel, Payload: []byte(notification.Payload)}
		for _, sub := range targets {
			select {
			case sub.ch <- msg:
			default:
				slog.Warn("backplane: mailbox full, dropping message", "channel", notification.Channel)
			}
		}
	}
}

func (b *Postgres) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-b.cmdCh:
			if cmd.gen > 0 {
				b.genMu.Lock()
				stale := b.listenGen[cmd.channel] != cmd.gen
				b.genMu.Unlock()
				if stale {
					cmd.result <- nil
					continue
				}
			}

			b.connMu.Lock()
			conn := b.conn
			b.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("backplane: LISTEN connection not established")
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			if err == nil && cmd.gen == 0 && cmd.channel != "" {
				b.genMu.Lock()
				b.listenGen[cmd.channel]++
				b.genMu.Unlock()
			}
			cmd.result <- err
		default:
			return
		}
	}
}

func (b *Postgres) reconnect(ctx context.Context) {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, b.connString)
		if err != nil {
			slog.Error("backplane: reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		b.conn = conn

		b.subsMu.RLock()
		for channel := range b.subs {
			sanitized := pgx.Identifier{channel}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("backplane: re-LISTEN failed", "channel", channel, "error", err)
			}
		}
		b.subsMu.RUnlock()

		slog.Info("backplane: reconnected")
		return
	}
}

func (b *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return b.pool.Ping(ctx)
}

func (b *Postgres) Close(ctx context.Context) error {
	b.running.Store(false)
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	if b.loopDone != nil {
		<-b.loopDone
	}

	b.subsMu.Lock()
	for _, subs := range b.subs {
		for _, s := range subs {
			s.once.Do(func() { close(s.ch) })
		}
	}
	b.subs = make(map[string][]*pgSub)
	b.subsMu.Unlock()

	b.connMu.Lock()
	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}
	b.connMu.Unlock()

	if b.pool != nil {
		return b.pool.Close(ctx)
	}
	return nil
}
