package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xiaot623/gogo/mimir/internal/config"
	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/hub"
	"github.com/xiaot623/gogo/mimir/internal/store"
)

type fakeBackend struct {
	mu        sync.Mutex
	messages  map[string][]domain.Message
	creates   []domain.CreateMessageRequest
	createErr error
	listErr   error
	listCalls int
	costCalls int
	convs     int

	// onCreate runs before CreateMessage returns.
	onCreate func(conversationID string)
	// listGate, when set, blocks ListMessages until it is closed or the
	// context ends.
	listGate chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{messages: make(map[string][]domain.Message)}
}

func (b *fakeBackend) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	b.mu.Lock()
	b.listCalls++
	gate := b.listGate
	items := append([]domain.Message(nil), b.messages[conversationID]...)
	err := b.listErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return items, err
}

func (b *fakeBackend) CreateMessage(ctx context.Context, conversationID string, req *domain.CreateMessageRequest) (*domain.CreateMessageResponse, error) {
	b.mu.Lock()
	b.creates = append(b.creates, *req)
	hook := b.onCreate
	err := b.createErr
	b.mu.Unlock()

	if hook != nil {
		hook(conversationID)
	}
	if err != nil {
		return nil, err
	}
	return &domain.CreateMessageResponse{Role: domain.RoleUser, Content: req.Content}, nil
}

func (b *fakeBackend) CreateConversation(ctx context.Context, message string) (*domain.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs++
	return &domain.Conversation{ID: fmt.Sprintf("conv-%d", b.convs), Title: message}, nil
}

func (b *fakeBackend) CurrentMonthCost(ctx context.Context) (*domain.Cost, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.costCalls++
	return &domain.Cost{Amount: float64(b.costCalls), Unit: domain.CostUnitUSD}, nil
}

func (b *fakeBackend) listCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

func (b *fakeBackend) createCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.creates)
}

type fakeConns struct {
	id atomic.Value
}

func connectedAs(id string) *fakeConns {
	c := &fakeConns{}
	c.id.Store(id)
	return c
}

func (c *fakeConns) ConnectionID() string {
	id, _ := c.id.Load().(string)
	return id
}

type recordingAlerts struct {
	mu   sync.Mutex
	errs []error
}

func (a *recordingAlerts) Report(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, err)
}

func (a *recordingAlerts) reported() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.errs...)
}

type fixture struct {
	svc     *Service
	backend *fakeBackend
	conns   *fakeConns
	hub     *hub.Hub
	alerts  *recordingAlerts
	now     *atomic.Int64
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	f := &fixture{
		backend: newFakeBackend(),
		conns:   connectedAs("conn-1"),
		hub:     hub.New(nil),
		alerts:  &recordingAlerts{},
		now:     &atomic.Int64{},
	}
	f.now.Store(time.Unix(1000, 0).UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-f.hub.Done()
	})

	var ids atomic.Int32
	f.svc = New(f.backend, f.conns, f.hub, f.alerts, cfg, nil,
		WithClock(store.NewFixedClock(100)),
		WithStreamIDs(func() string {
			return fmt.Sprintf("stream-%d", ids.Add(1))
		}),
		WithNow(func() time.Time { return time.Unix(0, f.now.Load()) }),
	)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now.Add(int64(d))
}
