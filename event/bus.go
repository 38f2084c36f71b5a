package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscriber channel capacity used when Subscribe
// is called with a non-positive buffer.
const DefaultBuffer = 64

// Bus fans events out to in-process subscribers. Publish never blocks:
// when a subscriber's channel is full the event is dropped for that
// subscriber and counted. The zero value is not usable; create one
// with NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool

	dropped atomic.Int64
	logger  *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used to report dropped events.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates an event bus with no subscribers.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[uint64]chan Event),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed when cancel is called or the
// bus shuts down. A buffer <= 0 uses [DefaultBuffer].
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers evt to every subscriber whose channel has room.
// Subscribers with full channels are skipped and the drop is counted.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event dropped for slow subscriber",
				"kind", evt.Kind(),
				"total_dropped", b.dropped.Load(),
			)
		}
	}
}

// Dropped returns the total number of events dropped across all
// subscribers since the bus was created.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts the bus down, closing every subscriber channel. Publish
// and Subscribe become no-ops after Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
