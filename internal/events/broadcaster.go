package events

import (
	"sync"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth.
const DefaultSubscriberBuffer = 64

// Subscriber is one observer's bounded event queue.
type Subscriber struct {
	ch      chan Event
	dropped uint64
}

// Events returns the receive side of the subscriber queue. The channel is
// closed on Unsubscribe.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Broadcaster fans events out to all subscribers. Publishing never blocks:
// when a subscriber queue is full its oldest pending event is dropped to
// make room, so slow observers lose history but always converge on the
// latest state.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	return &Broadcaster{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new observer.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes the observer and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}

	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers the event to every subscriber, evicting the oldest
// queued event of any subscriber whose queue is saturated.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// queue full: drop the oldest, then retry once
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}

		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribers returns the current observer count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}
