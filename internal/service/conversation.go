package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/hub"
	"github.com/xiaot623/gogo/mimir/internal/protocol"
	"github.com/xiaot623/gogo/mimir/internal/store"
)

// ErrBusy is returned by ConversationView.Submit while an earlier submission
// of the same view is still waiting for the backend.
var ErrBusy = errors.New("a message is already being sent")

// ConversationView is one open conversation. It receives push events while
// mounted and refreshes itself on the refetch triggers.
type ConversationView struct {
	svc  *Service
	id   string
	busy atomic.Bool

	mu      sync.Mutex
	mounted bool
	ctx     context.Context
	sub     *hub.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open returns an unmounted view of a conversation.
func (s *Service) Open(conversationID string) *ConversationView {
	return &ConversationView{svc: s, id: conversationID}
}

// ID returns the conversation id.
func (v *ConversationView) ID() string {
	return v.id
}

// Mount subscribes the view to push events, starts its background loops and
// loads the conversation. Mounting twice is a no-op. The returned error is
// the initial load failure, if any; the view stays mounted either way.
func (v *ConversationView) Mount(ctx context.Context) error {
	v.mu.Lock()
	if v.mounted {
		v.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v.mounted = true
	v.ctx = loopCtx
	v.cancel = cancel
	v.sub = v.svc.events.Subscribe(v.handleEvent)

	v.wg.Add(2)
	go func() {
		defer v.wg.Done()
		v.runInterval(loopCtx)
	}()
	go func() {
		defer v.wg.Done()
		v.svc.RunStallMonitor(loopCtx, v.id)
	}()
	v.mu.Unlock()

	v.svc.log.Debug("conversation mounted", slog.String("conversation_id", v.id))
	_, err := v.svc.Refetch(ctx, v.id, TriggerMount)
	return err
}

// Unmount stops the background loops and drops the push subscription.
func (v *ConversationView) Unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	v.sub.Unsubscribe()
	v.cancel()
	v.mu.Unlock()

	v.wg.Wait()
	v.svc.log.Debug("conversation unmounted", slog.String("conversation_id", v.id))
}

// Mounted reports whether the view is mounted.
func (v *ConversationView) Mounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mounted
}

// Focus is called when the user returns to the view.
func (v *ConversationView) Focus(ctx context.Context) (bool, error) {
	return v.svc.Refetch(ctx, v.id, TriggerFocus)
}

// Submit sends content. Only one submission per view waits on the backend at
// a time.
func (v *ConversationView) Submit(ctx context.Context, content string) (string, error) {
	if !v.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer v.busy.Store(false)
	return v.svc.Submit(ctx, v.id, content)
}

// Busy reports whether a submission is waiting on the backend.
func (v *ConversationView) Busy() bool {
	return v.busy.Load()
}

// Pause stops the display of a stream in this view.
func (v *ConversationView) Pause(streamID string) bool {
	return v.svc.Pause(v.id, streamID)
}

// PauseAll stops every active stream in this view.
func (v *ConversationView) PauseAll() []string {
	return v.svc.PauseAll(v.id)
}

// List returns the current message list.
func (v *ConversationView) List() store.List {
	return v.svc.Messages(v.id)
}

// Messages returns the current messages in order.
func (v *ConversationView) Messages() []domain.Message {
	return v.List().Items()
}

// Watch calls fn with every new message list. The returned func stops it.
func (v *ConversationView) Watch(fn func(store.List)) func() {
	return v.svc.cache.Watch(v.id, fn)
}

func (v *ConversationView) handleEvent(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.StreamCompletion:
		v.svc.HandleStreamEvent(v.id, ev)
	case protocol.Connected:
		if !ev.Reconnect {
			return
		}
		v.spawn(func(ctx context.Context) {
			_, _ = v.svc.Refetch(ctx, v.id, TriggerReconnect)
		})
	}
}

func (v *ConversationView) runInterval(ctx context.Context) {
	interval := v.svc.config.RefetchInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = v.svc.Refetch(ctx, v.id, TriggerInterval)
		}
	}
}

// spawn runs fn with the mount context unless the view is unmounted.
func (v *ConversationView) spawn(fn func(ctx context.Context)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return
	}
	ctx := v.ctx
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		fn(ctx)
	}()
}

// StartConversation creates a conversation from its first message, mounts
// its view and submits the message there. The view is returned even when
// the submission fails.
func (s *Service) StartConversation(ctx context.Context, message string) (*ConversationView, string, error) {
	if strings.TrimSpace(message) == "" {
		return nil, "", ErrEmptyMessage
	}
	conv, err := s.backend.CreateConversation(ctx, message)
	if err != nil {
		s.report(err)
		return nil, "", fmt.Errorf("start conversation: %w", err)
	}
	s.log.Info("conversation created", slog.String("conversation_id", conv.ID))

	view := s.Open(conv.ID)
	_ = view.Mount(ctx)
	streamID, err := view.Submit(ctx, message)
	if err != nil {
		return view, "", err
	}
	return view, streamID, nil
}
