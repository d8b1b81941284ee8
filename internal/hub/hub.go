// Package hub fans push events out to the views that are interested in them.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xiaot623/gogo/mimir/internal/protocol"
)

// Handler receives events on the hub's dispatch goroutine. It must not block
// for long and must not Publish synchronously.
type Handler func(protocol.Event)

// Subscription is one registered handler.
type Subscription struct {
	id      uint64
	handler Handler
	active  atomic.Bool
	hub     *Hub
}

// Unsubscribe removes the handler. An event already being dispatched may
// still reach it. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	if !s.active.Swap(false) {
		return
	}
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
	s.hub.log.Debug("subscription removed", slog.Uint64("id", s.id))
}

// Hub delivers every published event to every subscriber, one event at a
// time, in the order events were published.
type Hub struct {
	events chan protocol.Event
	done   chan struct{}
	log    *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// New creates a Hub. Call Run to start dispatching.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		events: make(chan protocol.Event, 256),
		done:   make(chan struct{}),
		log:    logger,
		subs:   make(map[uint64]*Subscription),
	}
}

// Run dispatches events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

// Subscribe registers handler for all subsequent events.
func (h *Hub) Subscribe(handler Handler) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{id: h.nextID, handler: handler, hub: h}
	sub.active.Store(true)
	h.subs[sub.id] = sub
	return sub
}

// Publish queues ev for delivery. It blocks while the queue is full and
// drops ev once the hub has stopped.
func (h *Hub) Publish(ev protocol.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
		h.log.Debug("hub stopped, dropping event", slog.String("action", ev.Action()))
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) dispatch(ev protocol.Event) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		h.deliver(s, ev)
	}
}

func (h *Hub) deliver(s *Subscription, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("subscriber panicked",
				slog.Uint64("id", s.id),
				slog.String("action", ev.Action()),
				slog.Any("panic", r))
		}
	}()
	s.handler(ev)
}
