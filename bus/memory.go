package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Stream used by tests and by single-binary dry
// runs. It preserves per-stream publish order and delivers each message to the
// subscriber at most once, mirroring a fully-acked consumer group.
type MemoryBus struct {
	mu      sync.Mutex
	entries map[string][]*Message
	cursor  map[string]int
	wakeup  chan struct{}
	closed  bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		entries: make(map[string][]*Message),
		cursor:  make(map[string]int),
		wakeup:  make(chan struct{}, 1),
	}
}

// Publish appends to the stream and wakes any subscriber.
func (m *MemoryBus) Publish(_ context.Context, stream string, msg *Message) (string, error) {
	m.mu.Lock()
	m.entries[stream] = append(m.entries[stream], msg)
	id := string(rune('0'+len(m.entries[stream]))) + "-" + stream
	m.mu.Unlock()

	select {
	case m.wakeup <- struct{}{}:
	default:
	}
	return id, nil
}

// Subscribe delivers pending and future messages until ctx is cancelled.
// A handler error leaves the cursor in place so the message is redelivered,
// matching the Redis unacked-entry semantics.
func (m *MemoryBus) Subscribe(ctx context.Context, streams []string, handler Handler) error {
	for {
		delivered := false
		for _, s := range streams {
			m.mu.Lock()
			pos := m.cursor[s]
			var msg *Message
			if pos < len(m.entries[s]) {
				msg = m.entries[s][pos]
			}
			m.mu.Unlock()

			if msg == nil {
				continue
			}
			if err := handler(ctx, s, msg); err != nil {
				continue // not acked, retry on next pass
			}
			m.mu.Lock()
			m.cursor[s]++
			m.mu.Unlock()
			delivered = true
		}

		if delivered {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.wakeup:
		}
	}
}

// ReadLatest returns the newest entry of the stream without consuming it.
func (m *MemoryBus) ReadLatest(_ context.Context, stream string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries[stream]
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[len(entries)-1], nil
}

// EnsureGroup is a no-op for the in-memory bus.
func (m *MemoryBus) EnsureGroup(context.Context, string) error { return nil }

// Close is idempotent.
func (m *MemoryBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// All returns every message published to a stream, in order.
func (m *MemoryBus) All(stream string) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.entries[stream]))
	copy(out, m.entries[stream])
	return out
}
