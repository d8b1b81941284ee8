package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/protocol"
	"github.com/xiaot623/gogo/mimir/internal/store"
)

func TestShouldRefetch(t *testing.T) {
	assert.True(t, ShouldRefetch(store.NewList()))
	assert.True(t, ShouldRefetch(store.NewList(domain.Message{Content: "done"})))
	assert.False(t, ShouldRefetch(store.NewList(
		domain.Message{Content: "done"},
		domain.Message{StreamID: "s1", IsStreaming: true},
	)))
}

func TestRefetchReplacesListWhenIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.cache.Set("c1", store.NewList(domain.Message{Role: domain.RoleUser, Content: "local", CreatedAt: 1}))
	f.backend.messages["c1"] = []domain.Message{
		{Role: domain.RoleUser, Content: "Hi", CreatedAt: 100},
		{Role: domain.RoleAssistant, Content: "Hello", CreatedAt: 101},
	}

	for _, trigger := range []Trigger{TriggerInterval, TriggerFocus, TriggerMount, TriggerSettle, TriggerReconnect} {
		fetched, err := f.svc.Refetch(context.Background(), "c1", trigger)
		require.NoError(t, err, trigger)
		assert.True(t, fetched, trigger)
	}
	assert.Equal(t, f.backend.messages["c1"], f.svc.Messages("c1").Items())
}

func TestRefetchSuppressedWhileStreaming(t *testing.T) {
	f := newFixture(t, nil)
	seedStreaming(f, "c1", "s1")
	f.backend.messages["c1"] = []domain.Message{{Role: domain.RoleUser, Content: "q", CreatedAt: 1}}

	for _, trigger := range []Trigger{TriggerInterval, TriggerFocus, TriggerMount, TriggerSettle, TriggerReconnect} {
		fetched, err := f.svc.Refetch(context.Background(), "c1", trigger)
		require.NoError(t, err)
		assert.False(t, fetched, trigger)
	}
	assert.Zero(t, f.backend.listCount())

	f.svc.HandleStreamEvent("c1", protocol.StreamCompletion{StreamID: "s1", Chunk: "answer"})
	f.svc.HandleStreamEvent("c1", protocol.StreamCompletion{StreamID: "s1", Stop: true})

	fetched, err := f.svc.Refetch(context.Background(), "c1", TriggerFocus)
	require.NoError(t, err)
	assert.True(t, fetched)
	assert.Equal(t, 1, f.backend.listCount())
}

func TestConcurrentTriggersShareOneFetch(t *testing.T) {
	f := newFixture(t, nil)
	gate := make(chan struct{})
	f.backend.listGate = gate

	var wg sync.WaitGroup
	for _, trigger := range []Trigger{TriggerInterval, TriggerFocus, TriggerReconnect} {
		wg.Add(1)
		go func(trigger Trigger) {
			defer wg.Done()
			_, err := f.svc.Refetch(context.Background(), "c1", trigger)
			assert.NoError(t, err)
		}(trigger)
	}
	require.Eventually(t, func() bool { return f.backend.listCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, f.backend.listCount())
}

func TestRefetchFailureAlertsAndKeepsList(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.cache.Set("c1", store.NewList(domain.Message{Content: "local"}))
	boom := errors.New("boom")
	f.backend.listErr = boom

	fetched, err := f.svc.Refetch(context.Background(), "c1", TriggerFocus)
	assert.True(t, fetched)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []error{boom}, f.alerts.reported())
	assert.Equal(t, "local", f.svc.Messages("c1").At(0).Content)

	_, _ = f.svc.Refetch(context.Background(), "c1", TriggerSettle)
	assert.Len(t, f.alerts.reported(), 1)
}
