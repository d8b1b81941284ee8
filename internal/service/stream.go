package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/gogo/mimir/internal/protocol"
	"github.com/xiaot623/gogo/mimir/internal/store"
)

// Outcome says what HandleStreamEvent did with an event.
type Outcome int

const (
	// OutcomeApplied means a chunk was appended.
	OutcomeApplied Outcome = iota
	// OutcomeFinalized means a terminal event ended the stream.
	OutcomeFinalized
	// OutcomeOtherConversation means the event belongs to another view.
	OutcomeOtherConversation
	// OutcomeUnknownStream means no message carries the stream id, either
	// because it already finished or because a refetch replaced it.
	OutcomeUnknownStream
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeFinalized:
		return "finalized"
	case OutcomeOtherConversation:
		return "other_conversation"
	case OutcomeUnknownStream:
		return "unknown_stream"
	default:
		return "unknown"
	}
}

// HandleStreamEvent folds one push event into the list of conversationID.
// An event without a conversation id is matched on stream id alone.
func (s *Service) HandleStreamEvent(conversationID string, ev protocol.StreamCompletion) Outcome {
	if ev.ConversationID != "" && ev.ConversationID != conversationID {
		s.log.Debug("stream event for another conversation",
			slog.String("conversation_id", conversationID),
			slog.String("event_conversation_id", ev.ConversationID),
			slog.String("stream_id", ev.StreamID))
		return OutcomeOtherConversation
	}

	applied := s.cache.Apply(conversationID, func(l store.List) (store.List, bool) {
		return l.ApplyChunk(ev.StreamID, ev.Chunk, ev.Stop)
	})
	if !applied {
		s.log.Debug("stream event for unknown stream",
			slog.String("conversation_id", conversationID),
			slog.String("stream_id", ev.StreamID),
			slog.Bool("stop", ev.Stop))
		return OutcomeUnknownStream
	}

	if ev.Stop {
		s.streams.forget(ev.StreamID)
		return OutcomeFinalized
	}
	s.streams.track(conversationID, ev.StreamID, s.now())
	return OutcomeApplied
}

// Pause stops displaying further content for a stream. The backend keeps
// generating; its later events are ignored. It reports whether the stream
// was still active.
func (s *Service) Pause(conversationID, streamID string) bool {
	paused := s.finalize(conversationID, streamID)
	if paused {
		s.log.Info("stream paused",
			slog.String("conversation_id", conversationID),
			slog.String("stream_id", streamID))
	}
	return paused
}

// PauseAll pauses every active stream of a conversation and returns their ids.
func (s *Service) PauseAll(conversationID string) []string {
	var paused []string
	for _, id := range s.Messages(conversationID).Streaming() {
		if s.Pause(conversationID, id) {
			paused = append(paused, id)
		}
	}
	return paused
}

// RunStallMonitor finalizes streams of conversationID that stop receiving
// events, until ctx is cancelled. A lost terminal event would otherwise
// suppress refetching forever.
func (s *Service) RunStallMonitor(ctx context.Context, conversationID string) {
	interval := s.config.StreamStallTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStalledStreams(conversationID)
		}
	}
}

// sweepStalledStreams returns the ids of the streams it finalized.
func (s *Service) sweepStalledStreams(conversationID string) []string {
	timeout := s.config.StreamStallTimeout
	if timeout <= 0 {
		return nil
	}
	now := s.now()
	// streams installed by a refetch were never tracked by Submit
	for _, id := range s.Messages(conversationID).Streaming() {
		s.streams.ensure(conversationID, id, now)
	}

	var stalled []string
	for _, id := range s.streams.idle(conversationID, now.Add(-timeout)) {
		if s.finalize(conversationID, id) {
			s.log.Warn("stream stalled, finalized locally",
				slog.String("conversation_id", conversationID),
				slog.String("stream_id", id),
				slog.Duration("timeout", timeout))
			stalled = append(stalled, id)
		}
	}
	return stalled
}

func (s *Service) finalize(conversationID, streamID string) bool {
	s.streams.forget(streamID)
	return s.cache.Apply(conversationID, func(l store.List) (store.List, bool) {
		return l.ApplyChunk(streamID, "", true)
	})
}

// streamTracker remembers when each active stream last made progress.
type streamTracker struct {
	mu      sync.Mutex
	streams map[string]trackedStream
}

type trackedStream struct {
	conversationID string
	lastEvent      time.Time
}

func newStreamTracker() *streamTracker {
	return &streamTracker{streams: make(map[string]trackedStream)}
}

func (t *streamTracker) track(conversationID, streamID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[streamID] = trackedStream{conversationID: conversationID, lastEvent: now}
}

func (t *streamTracker) ensure(conversationID, streamID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streams[streamID]; !ok {
		t.streams[streamID] = trackedStream{conversationID: conversationID, lastEvent: now}
	}
}

func (t *streamTracker) forget(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, streamID)
}

// idle returns the streams of conversationID with no event since cutoff.
func (t *streamTracker) idle(conversationID string, cutoff time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, st := range t.streams {
		if st.conversationID == conversationID && st.lastEvent.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
