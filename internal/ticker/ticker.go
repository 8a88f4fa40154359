// Package ticker provides a single time.Ticker shared by many subscribers.
package ticker

import (
	"sync"
	"time"
)

// Multi fans the ticks of one time.Ticker out to any number of subscribers.
// A tick a subscriber is not ready to receive is dropped for that subscriber.
type Multi struct {
	mu          sync.Mutex // protects subscribers, stopped, dropped
	subscribers map[*Subscriber]struct{}
	stopped     bool
	dropped     int

	ticker *time.Ticker
	stopCh chan struct{}
}

// Subscriber receives ticks on C until it is unsubscribed or the ticker is
// stopped, at which point C is closed.
type Subscriber struct {
	C chan time.Time
}

// New creates and starts a ticker with the given interval.
func New(interval time.Duration) *Multi {
	t := &Multi{
		subscribers: make(map[*Subscriber]struct{}),
		ticker:      time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}
	go t.run()
	return t
}

// Subscribe returns a new subscriber. Subscribing to a stopped ticker
// returns a subscriber whose channel is already closed.
func (t *Multi) Subscribe() *Subscriber {
	sub := &Subscriber{C: make(chan time.Time, 1)}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		close(sub.C)
		return sub
	}
	t.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. It is a no-op for a
// subscriber that is no longer subscribed.
func (t *Multi) Unsubscribe(sub *Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[sub]; !ok {
		return
	}
	delete(t.subscribers, sub)
	close(sub.C)
}

// Stop stops the ticker and closes every subscribed channel.
func (t *Multi) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.ticker.Stop()
	close(t.stopCh)
	for sub := range t.subscribers {
		close(sub.C)
		delete(t.subscribers, sub)
	}
}

// Len returns the number of subscribers.
func (t *Multi) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Dropped returns how many ticks were discarded because a subscriber was busy.
func (t *Multi) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func (t *Multi) run() {
	for {
		select {
		case tick := <-t.ticker.C:
			t.mu.Lock()
			if t.stopped {
				t.mu.Unlock()
				return
			}
			for sub := range t.subscribers {
				select {
				case sub.C <- tick:
				default:
					t.dropped++
				}
			}
			t.mu.Unlock()
		case <-t.stopCh:
			return
		}
	}
}
