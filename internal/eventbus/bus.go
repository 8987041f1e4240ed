package eventbus

import (
	"sync"
	"time"
)

// Event is an in-memory signal between components. Publish never blocks and
// a subscriber that falls behind loses events rather than stalling the
// publisher, so Data should be small and self-contained.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It runs no background goroutines;
// delivery happens on the publisher's goroutine.
func New() Bus {
	return &bus{}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver sends e without blocking. Returns silently if the subscriber has
// already unsubscribed or its buffer is full.
func (s *subscriber) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type bus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(e)
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.ch, unsub
}
