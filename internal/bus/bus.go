// Package bus implements the sequenced in-memory multicast that fans
// events out to live subscribers.
//
// Publishers hand the bus events that already carry their store-assigned
// seq. Each subscriber owns a bounded queue; when it is full, new events
// are dropped for that subscriber only and counted. When the subscriber
// later drains its queue, the next delivery is a synthetic resync marker
// telling the consumer how much it missed, so it can refetch history from
// the store and resume.
//
// Guarantees per subscriber: events arrive in strictly increasing seq,
// never duplicated. The bus never blocks a publisher on a slow consumer.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/cnrmurphy/sentinel/internal/event"
)

// ErrUnsubscribed is returned by Receive after Unsubscribe (or bus Close)
// once the subscriber's queue is fully drained.
var ErrUnsubscribed = errors.New("bus: subscriber closed")

// Bus is the process-wide multicast channel. One instance is created at
// startup and passed to the proxy and the subscription endpoints by
// reference.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	bufSize int
}

// New creates a bus whose subscribers buffer up to bufSize events.
func New(bufSize int) *Bus {
	return &Bus{
		subs:    make(map[*Subscriber]struct{}),
		bufSize: bufSize,
	}
}

// Publish multicasts an event to every current subscriber. Takes the
// subscriber set's read lock only — publishers never block each other,
// and a full subscriber queue records a drop instead of blocking.
func (b *Bus) Publish(e event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		sub.offer(e)
	}
}

// Subscribe registers a new subscriber. O(1).
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	sub := &Subscriber{
		ch:   make(chan event.Event, b.bufSize),
		done: make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// SetBufferSize retunes the queue length for subscribers created from now
// on; existing subscribers keep the buffer they were built with. Called
// by the config reload callback.
func (b *Bus) SetBufferSize(n int) {
	b.mu.Lock()
	b.bufSize = n
	b.mu.Unlock()
}

// Unsubscribe removes the subscriber and releases its queue. O(1). Safe
// to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Close unsubscribes everyone. Used during shutdown after the drain
// deadline expires.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Delivery is one item handed to a consumer: either a live event or a
// resync marker, never both.
type Delivery struct {
	Event  *event.Event
	Resync *event.Resync
}

// Subscriber is one bounded queue on the bus. Not safe for concurrent
// Receive calls — each subscription belongs to a single consumer task.
type Subscriber struct {
	ch   chan event.Event
	done chan struct{}

	mu             sync.Mutex
	dropped        int64
	highestDropped int64

	lastDelivered int64
	closeOnce     sync.Once
}

// offer enqueues without blocking; a full queue records the drop.
func (s *Subscriber) offer(e event.Event) {
	select {
	case s.ch <- e:
	default:
		s.mu.Lock()
		s.dropped++
		if e.Seq > s.highestDropped {
			s.highestDropped = e.Seq
		}
		s.mu.Unlock()
	}
}

// Receive returns the next delivery for this subscriber. Buffered events
// are drained first; once the queue is empty and drops have occurred, a
// single resync marker is delivered and the counters reset. Blocks until
// an event arrives, the context is cancelled, or the subscriber is closed.
func (s *Subscriber) Receive(ctx context.Context) (Delivery, error) {
	// Drain the buffer before looking at drop state: events that made it
	// into the queue precede everything that was dropped.
	select {
	case e := <-s.ch:
		s.lastDelivered = e.Seq
		return Delivery{Event: &e}, nil
	default:
	}

	if r := s.takeResync(); r != nil {
		return Delivery{Resync: r}, nil
	}

	select {
	case e := <-s.ch:
		s.lastDelivered = e.Seq
		return Delivery{Event: &e}, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-s.done:
		// Late events may still be buffered; let the caller drain them.
		select {
		case e := <-s.ch:
			s.lastDelivered = e.Seq
			return Delivery{Event: &e}, nil
		default:
			return Delivery{}, ErrUnsubscribed
		}
	}
}

// LastDeliveredSeq reports the seq of the most recent event handed to the
// consumer, 0 before any delivery.
func (s *Subscriber) LastDeliveredSeq() int64 {
	return s.lastDelivered
}

// takeResync atomically consumes the drop counters, returning a marker if
// any drops occurred since the last one.
func (s *Subscriber) takeResync() *event.Resync {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped == 0 {
		return nil
	}
	r := &event.Resync{
		EventsDropped: s.dropped,
		LatestSeq:     s.highestDropped,
	}
	s.dropped = 0
	s.highestDropped = 0
	return r
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
