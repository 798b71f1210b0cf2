package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediaflow/fetchq/id"
)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 256

// DefaultHistorySize is the default bound on the replayable event ring.
const DefaultHistorySize = 1024

// Bus is the event distribution hub. It is safe for concurrent use:
// subscribe/unsubscribe from any goroutine never corrupts in-flight
// delivery to other subscribers.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[id.SubID]*Subscription

	// history is a fixed-capacity ring of the most recent events.
	history []*Event
	histPos int
	histLen int

	// seq is guarded by mu so ring order, delivery order, and Seq
	// always agree under concurrent publishers.
	seq uint64

	// Metrics.
	totalPublished atomic.Int64
	totalDelivered atomic.Int64

	// Config.
	bufferSize  int
	historySize int
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) { b.bufferSize = size }
}

// WithHistorySize bounds the replayable event ring.
func WithHistorySize(size int) Option {
	return func(b *Bus) { b.historySize = size }
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:      logger,
		subs:        make(map[id.SubID]*Subscription),
		bufferSize:  DefaultBufferSize,
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history = make([]*Event, b.historySize)
	return b
}

// Publish creates an event and fans it out to all matching
// subscriptions. It is fire-and-forget: a slow subscriber loses its
// oldest buffered events rather than blocking the publisher.
func (b *Bus) Publish(topic string, payload any) *Event {
	b.mu.Lock()
	b.seq++
	evt := &Event{
		ID:        id.NewEventID(),
		Seq:       b.seq,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	b.history[b.histPos] = evt
	b.histPos = (b.histPos + 1) % len(b.history)
	if b.histLen < len(b.history) {
		b.histLen++
	}
	// Deliver while still holding mu. deliver never blocks, and doing
	// it here means every subscriber sees events in Seq order.
	for _, sub := range b.subs {
		if sub.matches(topic) && sub.deliver(evt) {
			b.totalDelivered.Add(1)
		}
	}
	b.mu.Unlock()

	b.totalPublished.Add(1)
	return evt
}

// Subscribe registers a new subscription on the given topic patterns.
// Patterns are exact topics, "*", or a wildcard suffix such as "job.*".
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	sub := newSubscription(b.bufferSize, patterns)

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("bus subscription added",
		slog.String("sub_id", sub.id.String()),
		slog.Any("patterns", patterns),
	)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
// It is idempotent: removing an unknown or already-removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	_, known := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	sub.close()
	if known {
		b.logger.Debug("bus subscription removed", slog.String("sub_id", sub.id.String()))
	}
}

// History returns up to limit of the most recent events whose topic
// matches pattern, oldest first. A limit <= 0 means no limit. Late
// joiners use this to catch up; it is not an at-least-once guarantee.
func (b *Bus) History(pattern string, limit int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Event, 0, b.histLen)
	start := b.histPos - b.histLen
	for i := range b.histLen {
		idx := (start + i + len(b.history)) % len(b.history)
		evt := b.history[idx]
		if evt != nil && MatchTopic(pattern, evt.Topic) {
			out = append(out, evt)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats contains bus counters.
type Stats struct {
	Subscribers    int   `json:"subscribers"`
	TotalPublished int64 `json:"total_published"`
	TotalDelivered int64 `json:"total_delivered"`
	TotalDropped   int64 `json:"total_dropped"`
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	count := len(b.subs)
	var dropped int64
	for _, sub := range b.subs {
		dropped += sub.Dropped()
	}
	b.mu.RUnlock()

	return Stats{
		Subscribers:    count,
		TotalPublished: b.totalPublished.Load(),
		TotalDelivered: b.totalDelivered.Load(),
		TotalDropped:   dropped,
	}
}

// Close removes all subscriptions and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[id.SubID]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.logger.Info("event bus closed")
}
