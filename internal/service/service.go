package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/mimir/internal/alert"
	"github.com/xiaot623/gogo/mimir/internal/config"
	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/hub"
	"github.com/xiaot623/gogo/mimir/internal/store"
)

// Backend is the part of the REST API the service drives.
type Backend interface {
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	CreateMessage(ctx context.Context, conversationID string, req *domain.CreateMessageRequest) (*domain.CreateMessageResponse, error)
	CreateConversation(ctx context.Context, message string) (*domain.Conversation, error)
	CurrentMonthCost(ctx context.Context) (*domain.Cost, error)
}

// ConnectionSource reports the push connection id sends are routed to.
type ConnectionSource interface {
	ConnectionID() string
}

// Events is the hub views subscribe to.
type Events interface {
	Subscribe(handler hub.Handler) *hub.Subscription
}

// Service owns the message cache and the rules that keep it consistent with
// the backend and the push stream.
type Service struct {
	backend Backend
	conns   ConnectionSource
	events  Events
	alerts  alert.Reporter
	config  *config.Config
	log     *slog.Logger

	cache       *store.Cache
	clock       store.Clock
	streams     *streamTracker
	newStreamID func() string
	now         func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock sets the tick source for new messages.
func WithClock(c store.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithStreamIDs sets the stream id generator.
func WithStreamIDs(fn func() string) Option {
	return func(s *Service) { s.newStreamID = fn }
}

// WithNow sets the wall clock used for stall detection.
func WithNow(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

func New(backend Backend, conns ConnectionSource, events Events, alerts alert.Reporter, cfg *config.Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		backend:     backend,
		conns:       conns,
		events:      events,
		alerts:      alerts,
		config:      cfg,
		log:         logger.With(slog.String("module", "service")),
		cache:       store.NewCache(backend),
		clock:       store.NewMonotonicClock(),
		streams:     newStreamTracker(),
		newStreamID: func() string { return uuid.New().String() },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Messages returns the cached list of a conversation.
func (s *Service) Messages(conversationID string) store.List {
	l, _ := s.cache.Get(conversationID)
	return l
}

func (s *Service) report(err error) {
	if s.alerts != nil {
		s.alerts.Report(err)
	}
}
