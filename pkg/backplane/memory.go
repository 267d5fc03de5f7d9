package backplane

import (
	"context"
	"log/slog"
	"sync"
)

// mailboxCapacity bounds each subscriber's delivery channel. A full mailbox
// causes Publish to drop the message for that subscriber with a warning
// rather than block — matching the Python InMemoryBackplane's QueueFull
// handling.
const mailboxCapacity = 256

// InMemory is a process-local Backplane. Safe for concurrent use.
type InMemory struct {
	mu       sync.Mutex
	channels map[string][]*memorySub
	closed   bool
}

// NewInMemory constructs an empty in-memory backplane.
func NewInMemory() *InMemory {
	return &InMemory{channels: make(map[string][]*memorySub)}
}

type memorySub struct {
	ch       chan Message
	channels []string
	once     sync.Once
	bp       *InMemory
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() {
	s.once.Do(func() {
		s.bp.detach(s)
		close(s.ch)
	})
}

func (b *InMemory) Publish(_ context.Context, channel string, payload []byte) error {
	return b.PublishMany(context.Background(), []string{channel}, payload)
}

func (b *InMemory) PublishMany(_ context.Context, channels []string, payload []byte) error {
	// Copy-before-dispatch: never hold the lock across a channel send, which
	// can block other publishers or Subscribe/Close calls. Deliver per-channel
	// so each Message carries its own channel name even when one payload
	// fans out to several channels.
	b.mu.Lock()
	perChannel := make(map[string][]*memorySub, len(channels))
	for _, channel := range channels {
		perChannel[channel] = append([]*memorySub(nil), b.channels[channel]...)
	}
	b.mu.Unlock()

	for channel, subs := range perChannel {
		msg := Message{Channel: channel, Payload: payload}
		for _, sub := range subs {
			select {
			case sub.ch <- msg:
			default:
				slog.Warn("backplane: mailbox full, dropping message", "channel", channel)
			}
		}
	}
	return nil
}

func (b *InMemory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &memorySub{
		ch:       make(chan Message, mailboxCapacity),
		channels: channels,
		bp:       b,
	}
	b.mu.Lock()
	for _, channel := range channels {
		b.channels[channel] = append(b.channels[channel], sub)
	}
	b.mu.Unlock()
	return sub, nil
}

func (b *InMemory) detach(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, channel := range sub.channels {
		list := b.channels[channel]
		for i, s := range list {
			if s == sub {
				b.channels[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.channels[channel]) == 0 {
			delete(b.channels, channel)
		}
	}
}

func (b *InMemory) Ping(context.Context) error { return nil }

func (b *InMemory) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.channels {
		for _, s := range subs {
			s.once.Do(func() { close(s.ch) })
		}
	}
	b.channels = make(map[string][]*memorySub)
	return nil
}
