package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/command-feed/app/models"
)

func TestBroker_PublishToAll(t *testing.T) {
	b := &Broker{}
	s1, s2 := b.Subscribe(), b.Subscribe()
	assert.Equal(t, 2, b.Subscribers())

	item := models.FeedItem{UUID: "u1", CommandName: "codename"}
	assert.Equal(t, 2, b.Publish(item))

	assert.Equal(t, item, <-s1.Items())
	assert.Equal(t, item, <-s2.Items())
}

func TestBroker_NoSubscribers(t *testing.T) {
	b := &Broker{}
	assert.Equal(t, 0, b.Publish(models.FeedItem{UUID: "u1"}))
}

func TestBroker_LaggingSubscriber(t *testing.T) {
	b := &Broker{Buffer: 2}
	slow, fast := b.Subscribe(), b.Subscribe()

	received := []string{}
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		b.Publish(models.FeedItem{UUID: id})
		received = append(received, (<-fast.Items()).UUID)
	}
	assert.Equal(t, []string{"u1", "u2", "u3", "u4"}, received)

	assert.Equal(t, int64(2), slow.Dropped())
	assert.Equal(t, int64(0), fast.Dropped())
	assert.Equal(t, "u1", (<-slow.Items()).UUID)
	assert.Equal(t, "u2", (<-slow.Items()).UUID)
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := &Broker{}
	s := b.Subscribe()
	s.Close()
	s.Close() // second close is fine
	assert.Equal(t, 0, b.Subscribers())

	_, ok := <-s.Items()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Publish(models.FeedItem{UUID: "u1"}))
}

func TestBroker_Close(t *testing.T) {
	b := &Broker{}
	s := b.Subscribe()
	b.Close()
	b.Close()

	_, ok := <-s.Items()
	assert.False(t, ok)
	s.Close()

	assert.Equal(t, 0, b.Publish(models.FeedItem{UUID: "u1"}))

	late := b.Subscribe()
	_, ok = <-late.Items()
	assert.False(t, ok)
}

func TestBroker_Concurrent(t *testing.T) {
	b := &Broker{Buffer: 1000}
	const subs, items = 5, 100

	var wg sync.WaitGroup
	counts := make([]int, subs)
	ready := make(chan struct{}, subs)
	for i := 0; i < subs; i++ {
		s := b.Subscribe()
		wg.Add(1)
		go func(i int, s *Subscription) {
			defer wg.Done()
			ready <- struct{}{}
			for range s.Items() {
				counts[i]++
			}
		}(i, s)
	}
	for i := 0; i < subs; i++ {
		<-ready
	}

	var pwg sync.WaitGroup
	for i := 0; i < items; i++ {
		pwg.Add(1)
		go func() {
			defer pwg.Done()
			b.Publish(models.FeedItem{UUID: "x"})
		}()
	}
	pwg.Wait()
	b.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.Fail(t, "subscribers not finished")
	}
	for i := 0; i < subs; i++ {
		assert.Equal(t, items, counts[i])
	}
}
