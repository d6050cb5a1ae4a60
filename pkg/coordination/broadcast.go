package coordination

import (
	"sync"
	"time"
)

const subscriberBuffer = 32

// Broadcaster fans session events out to every subscriber. Backends embed
// one per connection so that all elections sharing the connection observe
// the same session history.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan SessionEvent
	next    int
	current SessionEvent
	closed  bool
}

// NewBroadcaster creates a broadcaster whose initial state is CONNECTED
// with the given session.
func NewBroadcaster(sessionID string) *Broadcaster {
	return &Broadcaster{
		subs:    make(map[int]chan SessionEvent),
		current: SessionEvent{State: SessionConnected, SessionID: sessionID, At: time.Now()},
	}
}

// Subscribe registers a new subscriber. The returned channel is closed
// when the subscription is cancelled or the broadcaster is closed.
func (b *Broadcaster) Subscribe() (<-chan SessionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan SessionEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish records ev as the current state and delivers it to every
// subscriber. A subscriber whose buffer is full misses the event but can
// still read Current.
func (b *Broadcaster) Publish(ev SessionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.current = ev
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Current returns the last published event.
func (b *Broadcaster) Current() SessionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Close closes every subscription.
func (b *Broadcaster) Close() {
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
