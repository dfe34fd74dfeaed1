package stream

import "sync/atomic"

// Subscriber is one attached event consumer. Delivery is non-blocking
// and credit-gated: each delivered event spends one credit, and a
// subscriber with no credits left, or a full buffer, drops events
// instead of stalling the publisher. Consumers replenish credits as
// they drain their channel.
type Subscriber struct {
	id      string
	events  chan *Event
	credits atomic.Int64
	closed  atomic.Bool
}

// NewSubscriber creates a subscriber with the given channel buffer and
// starting credit budget.
func NewSubscriber(id string, bufferSize int, credits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		events: make(chan *Event, bufferSize),
	}
	s.credits.Store(credits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C is the channel events arrive on. It closes when the subscriber is
// removed from the broker.
func (s *Subscriber) C() <-chan *Event { return s.events }

// AddCredits grants capacity for n more deliveries.
func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

// Credits reports the remaining delivery budget.
func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// send delivers evt if the subscriber is open, a credit is available,
// and the buffer has room. It reports whether the event was delivered;
// a false return means the event was dropped for this subscriber.
func (s *Subscriber) send(evt *Event) bool {
	if s.closed.Load() || !s.takeCredit() {
		return false
	}
	select {
	case s.events <- evt:
		return true
	default:
		// Buffer full. Refund the credit; nothing was delivered.
		s.credits.Add(1)
		return false
	}
}

func (s *Subscriber) takeCredit() bool {
	for {
		c := s.credits.Load()
		if c <= 0 {
			return false
		}
		if s.credits.CompareAndSwap(c, c-1) {
			return true
		}
	}
}

// Close closes the event channel. Idempotent.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.events)
	}
}
