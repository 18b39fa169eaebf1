// Package events distributes live notifications from camera sessions and batch jobs to subscribers.
//
// Publish never blocks. Each subscriber owns a bounded queue; when it is full the oldest queued event is
// discarded to make room and counted as dropped, so slow consumers see the most recent events.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("subscriber id already exists")
	// ErrSubscriberNotFound is returned for unknown subscriber ids.
	ErrSubscriberNotFound = errors.New("subscriber id not found")
	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("bus is closed")
)

// DefaultBuffer is the queue length used when Subscribe is given a non-positive size.
const DefaultBuffer = 64

// Event is one notification.
type Event struct {
	Topic   string
	Payload interface{}
	Time    time.Time
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ev Event)
}

// Stats are per-subscriber delivery counters.
type Stats struct {
	Sent    uint64
	Dropped uint64
}

// Subscription is a consumer's queue. Events are read from C until it is closed.
type Subscription struct {
	id string
	ch chan Event
	// serializes producers so drop-oldest cannot interleave
	mu      sync.Mutex
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// C returns the event channel. It is closed on Unsubscribe or when the bus closes.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- ev:
			s.sent.Add(1)
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
			// the consumer drained it between the two selects
		}
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	closed    bool
	published atomic.Uint64
	now       func() time.Time
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription), now: time.Now}
}

// Subscribe registers a queue of the given length.
func (b *Bus) Subscribe(id string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subs[id]; ok {
		return nil, errors.Wrap(ErrSubscriberExists, id)
	}
	s := &Subscription{id: id, ch: make(chan Event, buffer)}
	b.subs[id] = s
	return s, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	s, ok := b.subs[id]
	if !ok {
		return errors.Wrap(ErrSubscriberNotFound, id)
	}
	delete(b.subs, id)
	s.mu.Lock()
	close(s.ch)
	s.mu.Unlock()
	return nil
}

// Publish delivers ev to every subscriber without blocking. Events published after Close are discarded.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		s.offer(ev)
	}
}

// Stats returns the counters of one subscriber.
func (b *Bus) Stats(id string) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subs[id]
	if !ok {
		return Stats{}, errors.Wrap(ErrSubscriberNotFound, id)
	}
	return Stats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}, nil
}

// Published is the number of Publish calls accepted.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Close closes every subscriber channel. It is safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
		delete(b.subs, id)
	}
	return nil
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}
