package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xiaot623/gogo/mimir/internal/store"
)

// Trigger names the event that asked for a refetch.
type Trigger string

const (
	TriggerInterval  Trigger = "interval"
	TriggerFocus     Trigger = "focus"
	TriggerMount     Trigger = "mount"
	TriggerSettle    Trigger = "settle"
	TriggerReconnect Trigger = "reconnect"
)

// ShouldRefetch reports whether the backend list may replace l. A fetch
// while any message streams would discard chunks the backend has not
// committed yet.
func ShouldRefetch(l store.List) bool {
	return !l.HasStreaming()
}

// Refetch replaces the cached list of a conversation with the backend's
// when ShouldRefetch allows it. It reports whether a fetch ran.
//
// Failures are logged and, except for the settle trigger, reported through
// the alert channel. The next trigger retries.
func (s *Service) Refetch(ctx context.Context, conversationID string, trigger Trigger) (bool, error) {
	fetched, err := s.cache.RefetchIf(ctx, conversationID, ShouldRefetch)
	switch {
	case errors.Is(err, store.ErrRefetchCancelled):
		s.log.Debug("refetch superseded by a submission",
			slog.String("conversation_id", conversationID),
			slog.String("trigger", string(trigger)))
		return false, nil
	case err != nil:
		s.log.Warn("refetch failed",
			slog.String("conversation_id", conversationID),
			slog.String("trigger", string(trigger)),
			slog.String("error", err.Error()))
		if trigger != TriggerSettle && ctx.Err() == nil {
			s.report(err)
		}
		return fetched, err
	case !fetched:
		s.log.Debug("refetch suppressed while streaming",
			slog.String("conversation_id", conversationID),
			slog.String("trigger", string(trigger)))
	}
	return fetched, nil
}
