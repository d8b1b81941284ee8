package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/store"
)

var (
	// ErrEmptyMessage is returned for content that is empty after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotConnected is returned while the push channel has no connection id,
	// since the reply would have nowhere to stream to.
	ErrNotConnected = errors.New("push channel not connected")
)

// Submit sends content to a conversation with an optimistic update.
//
// The user message and an empty assistant placeholder are visible in the
// cache before the backend is called. If the backend rejects the message the
// list is restored exactly as it was and the failure is reported once. On
// success the returned stream id identifies the placeholder.
func (s *Service) Submit(ctx context.Context, conversationID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	connectionID := s.conns.ConnectionID()
	if connectionID == "" {
		return "", ErrNotConnected
	}

	streamID := s.newStreamID()
	var snapshot store.List
	s.cache.CancelAndUpdate(conversationID, func(l store.List) store.List {
		snapshot = l
		tick := s.clock.Reserve(2)
		return l.Append(
			domain.Message{
				Role:      domain.RoleUser,
				Content:   content,
				CreatedAt: tick,
			},
			domain.Message{
				Role:        domain.RoleAssistant,
				CreatedAt:   tick + 1,
				StreamID:    streamID,
				IsStreaming: true,
			},
		)
	})
	s.streams.track(conversationID, streamID, s.now())

	_, err := s.backend.CreateMessage(ctx, conversationID, &domain.CreateMessageRequest{
		StreamID:     streamID,
		Content:      content,
		ConnectionID: connectionID,
	})
	if err != nil {
		s.cache.Set(conversationID, snapshot)
		s.streams.forget(streamID)
		s.log.Warn("create message failed, rolled back",
			slog.String("conversation_id", conversationID),
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		s.report(err)
		s.settle(ctx, conversationID)
		return "", fmt.Errorf("submit message: %w", err)
	}

	s.log.Debug("message submitted",
		slog.String("conversation_id", conversationID),
		slog.String("stream_id", streamID))
	s.settle(ctx, conversationID)
	return streamID, nil
}

// settle runs after every submission. While the new placeholder streams the
// refetch is suppressed, so this only fetches after a rollback.
func (s *Service) settle(ctx context.Context, conversationID string) {
	_, _ = s.Refetch(ctx, conversationID, TriggerSettle)
}
