package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/mimir/internal/protocol"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h
}

func TestHubDeliversInOrder(t *testing.T) {
	h := startHub(t)
	got := make(chan string, 10)
	h.Subscribe(func(ev protocol.Event) {
		got <- ev.(protocol.StreamCompletion).Chunk
	})

	for _, c := range []string{"a", "b", "c"} {
		h.Publish(protocol.StreamCompletion{StreamID: "s1", Chunk: c})
	}

	var seen []string
	for i := 0; i < 3; i++ {
		select {
		case c := <-got:
			seen = append(seen, c)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", seen)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestHubFansOutToAllSubscribers(t *testing.T) {
	h := startHub(t)
	first := make(chan protocol.Event, 1)
	second := make(chan protocol.Event, 1)
	h.Subscribe(func(ev protocol.Event) { first <- ev })
	h.Subscribe(func(ev protocol.Event) { second <- ev })

	h.Publish(protocol.Connected{ConnectionID: "c1"})

	for _, ch := range []chan protocol.Event{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, protocol.Connected{ConnectionID: "c1"}, ev)
		case <-time.After(time.Second):
			t.Fatal("subscriber not called")
		}
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := startHub(t)
	removed := make(chan protocol.Event, 4)
	kept := make(chan protocol.Event, 4)
	sub := h.Subscribe(func(ev protocol.Event) { removed <- ev })
	h.Subscribe(func(ev protocol.Event) { kept <- ev })
	require.Equal(t, 2, h.SubscriberCount())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, h.SubscriberCount())

	h.Publish(protocol.Connected{ConnectionID: "c1"})
	select {
	case <-kept:
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber not called")
	}
	assert.Empty(t, removed)
}

func TestHubSurvivesPanickingSubscriber(t *testing.T) {
	h := startHub(t)
	got := make(chan protocol.Event, 2)
	h.Subscribe(func(ev protocol.Event) { panic("boom") })
	h.Subscribe(func(ev protocol.Event) { got <- ev })

	h.Publish(protocol.Connected{ConnectionID: "c1"})
	h.Publish(protocol.Connected{ConnectionID: "c2"})

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("dispatch stopped after panic")
		}
	}
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.Done()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			h.Publish(protocol.Connected{ConnectionID: "c"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stopped hub")
	}
}
