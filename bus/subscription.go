package bus

import (
	"sync"
	"sync/atomic"

	"github.com/mediaflow/fetchq/id"
)

// Subscription receives events for the topic patterns it was created
// with. Consume from C; call the bus's Unsubscribe when done.
type Subscription struct {
	id       id.SubID
	patterns []string
	ch       chan *Event

	// sendMu serializes deliver so the drop-oldest step and the
	// subsequent send stay paired under concurrent publishers.
	sendMu  sync.Mutex
	dropped atomic.Int64
	closed  atomic.Bool
}

func newSubscription(bufferSize int, patterns []string) *Subscription {
	return &Subscription{
		id:       id.NewSubID(),
		patterns: patterns,
		ch:       make(chan *Event, bufferSize),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() id.SubID { return s.id }

// C returns the read-only event channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan *Event { return s.ch }

// Patterns returns the topic patterns this subscription was created with.
func (s *Subscription) Patterns() []string {
	out := make([]string, len(s.patterns))
	copy(out, s.patterns)
	return out
}

// Dropped returns how many events were discarded because the buffer
// was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// matches reports whether any pattern matches the topic.
func (s *Subscription) matches(topic string) bool {
	for _, p := range s.patterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

// deliver hands an event to the subscription without blocking. When the
// buffer is full the oldest buffered event is discarded first, so the
// newest event always lands. Returns false only if the event was not
// enqueued (subscription closed).
func (s *Subscription) deliver(evt *Event) bool {
	if s.closed.Load() {
		return false
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed.Load() {
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
	}

	// Buffer full: drop the oldest, then enqueue the newcomer.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// close shuts the event channel. Safe to call multiple times.
func (s *Subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		close(s.ch)
	}
}
