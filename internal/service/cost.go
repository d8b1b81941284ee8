package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/hub"
	"github.com/xiaot623/gogo/mimir/internal/protocol"
)

// CostTracker keeps the current month's spend and refreshes it whenever an
// assistant reply finishes.
type CostTracker struct {
	svc   *Service
	group singleflight.Group

	mu      sync.Mutex
	cost    *domain.Cost
	onCost  func(domain.Cost)
	sub     *hub.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// NewCostTracker creates a stopped tracker. onCost, if set, is called with
// every refreshed value.
func (s *Service) NewCostTracker(onCost func(domain.Cost)) *CostTracker {
	return &CostTracker{svc: s, onCost: onCost}
}

// Start loads the cost and subscribes to stream completions.
func (t *CostTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.sub != nil {
		t.mu.Unlock()
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.sub = t.svc.events.Subscribe(t.handleEvent)
	t.mu.Unlock()

	_, err := t.Refresh(ctx)
	return err
}

// Stop unsubscribes and waits for pending refreshes.
func (t *CostTracker) Stop() {
	t.mu.Lock()
	if t.sub == nil {
		t.mu.Unlock()
		return
	}
	t.sub.Unsubscribe()
	t.sub = nil
	t.cancel()
	t.mu.Unlock()
	t.pending.Wait()
}

// Cost returns the last known cost, or nil before the first load.
func (t *CostTracker) Cost() *domain.Cost {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cost == nil {
		return nil
	}
	c := *t.cost
	return &c
}

// Refresh fetches the cost now. Concurrent calls share one request.
func (t *CostTracker) Refresh(ctx context.Context) (*domain.Cost, error) {
	v, err, _ := t.group.Do("cost", func() (any, error) {
		return t.svc.backend.CurrentMonthCost(ctx)
	})
	if err != nil {
		t.svc.log.Warn("cost refresh failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("refresh cost: %w", err)
	}
	cost := *v.(*domain.Cost)

	t.mu.Lock()
	t.cost = &cost
	onCost := t.onCost
	t.mu.Unlock()

	if onCost != nil {
		onCost(cost)
	}
	return &cost, nil
}

func (t *CostTracker) handleEvent(ev protocol.Event) {
	sc, ok := ev.(protocol.StreamCompletion)
	if !ok || !sc.Stop {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return
	}
	ctx := t.ctx
	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		_, _ = t.Refresh(ctx)
	}()
}
