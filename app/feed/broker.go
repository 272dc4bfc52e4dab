// Package feed provides in-process fan-out of feed items to subscribers
package feed

import (
	"sync"
	"sync/atomic"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/command-feed/app/models"
)

// DefaultBuffer is subscription channel capacity used for zero Broker.Buffer
const DefaultBuffer = 100

// Broker delivers published items to all active subscriptions.
// Publish never blocks, subscriber with full buffer misses the item.
type Broker struct {
	Buffer int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription receives published items from Items channel until closed
type Subscription struct {
	ch      chan models.FeedItem
	broker  *Broker
	dropped int64
	once    sync.Once
}

// Subscribe makes new subscription. Subscription on closed broker returns closed channel
func (b *Broker) Subscribe() *Subscription {
	size := b.Buffer
	if size <= 0 {
		size = DefaultBuffer
	}
	sub := &Subscription{ch: make(chan models.FeedItem, size), broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	if b.subs == nil {
		b.subs = map[*Subscription]struct{}{}
	}
	b.subs[sub] = struct{}{}
	log.Printf("[DEBUG] subscribed, total %d", len(b.subs))
	return sub
}

// Publish sends item to every subscription and returns number of subscriptions received it
func (b *Broker) Publish(item models.FeedItem) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for sub := range b.subs {
		select {
		case sub.ch <- item:
			delivered++
		default:
			n := atomic.AddInt64(&sub.dropped, 1)
			log.Printf("[WARN] subscriber lagging, dropped %s, total dropped %d", item.UUID, n)
		}
	}
	return delivered
}

// Subscribers returns number of active subscriptions
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes all subscriptions, publish after close does nothing
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	b.subs = nil
}

// Items returns channel with published items
func (s *Subscription) Items() <-chan models.FeedItem {
	return s.ch
}

// Dropped returns number of items missed because of full buffer
func (s *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close unsubscribes and closes Items channel
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	delete(s.broker.subs, s)
	s.once.Do(func() { close(s.ch) })
}
