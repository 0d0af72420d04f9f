// Package stream provides an owned publisher with restartable subscriptions.
// It replaces process-wide observable singletons: the owner constructs a
// Publisher, hands out subscriptions, and closing the publisher invalidates
// every handle.
package stream

import "sync"

// Publisher fans values out to any number of subscribers. Slow subscribers
// drop intermediate values rather than blocking the publisher; each
// subscription buffer always holds the latest value.
type Publisher[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	last   T
	seeded bool
	closed bool
}

// NewPublisher returns an empty publisher.
func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{subs: make(map[int]chan T)}
}

// Subscription is a handle to a stream of values.
type Subscription[T any] struct {
	C      <-chan T
	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription[T]) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Subscribe registers a new subscriber. If the publisher has published
// before, the latest value is replayed immediately so late subscribers see
// current state.
func (p *Publisher[T]) Subscribe() *Subscription[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan T, 1)
	if p.closed {
		close(ch)
		return &Subscription[T]{C: ch}
	}

	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	if p.seeded {
		ch <- p.last
	}

	return &Subscription[T]{
		C: ch,
		cancel: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		},
	}
}

// Publish delivers v to every subscriber, dropping the stale buffered value
// for subscribers that have not drained yet.
func (p *Publisher[T]) Publish(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.last = v
	p.seeded = true
	for _, ch := range p.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

// Close completes the stream. All subscriber channels are closed and further
// publishes are no-ops.
func (p *Publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
