package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/mimir/internal/config"
	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/protocol"
	"github.com/xiaot623/gogo/mimir/internal/store"
)

func seedStreaming(f *fixture, conversationID, streamID string) {
	f.svc.cache.Set(conversationID, store.NewList(
		domain.Message{Role: domain.RoleUser, Content: "q", CreatedAt: 1},
		domain.Message{Role: domain.RoleAssistant, CreatedAt: 2, StreamID: streamID, IsStreaming: true},
	))
}

func TestHandleStreamEventOutcomes(t *testing.T) {
	f := newFixture(t, nil)
	seedStreaming(f, "c1", "s1")

	tests := []struct {
		name string
		ev   protocol.StreamCompletion
		want Outcome
	}{
		{"other conversation", protocol.StreamCompletion{StreamID: "s1", ConversationID: "c2", Chunk: "x"}, OutcomeOtherConversation},
		{"unknown stream", protocol.StreamCompletion{StreamID: "nope", ConversationID: "c1", Chunk: "x"}, OutcomeUnknownStream},
		{"unscoped chunk", protocol.StreamCompletion{StreamID: "s1", Chunk: "A"}, OutcomeApplied},
		{"scoped chunk", protocol.StreamCompletion{StreamID: "s1", ConversationID: "c1", Chunk: "B"}, OutcomeApplied},
		{"stop", protocol.StreamCompletion{StreamID: "s1", ConversationID: "c1", Chunk: "ignored", Stop: true}, OutcomeFinalized},
		{"duplicate stop", protocol.StreamCompletion{StreamID: "s1", ConversationID: "c1", Stop: true}, OutcomeUnknownStream},
		{"late chunk", protocol.StreamCompletion{StreamID: "s1", ConversationID: "c1", Chunk: "C"}, OutcomeUnknownStream},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.svc.HandleStreamEvent("c1", tt.ev), tt.name)
	}

	msgs := f.svc.Messages("c1").Items()
	assert.Equal(t, "AB", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Empty(t, msgs[1].StreamID)
}

func TestHandleStreamEventOtherConversationLeavesListAlone(t *testing.T) {
	f := newFixture(t, nil)
	seedStreaming(f, "c1", "s1")
	before := f.svc.Messages("c1").Items()

	f.svc.HandleStreamEvent("c1", protocol.StreamCompletion{StreamID: "s1", ConversationID: "c2", Stop: true})

	assert.Equal(t, before, f.svc.Messages("c1").Items())
}

func TestPauseIsLocalAndIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	seedStreaming(f, "c1", "s1")
	f.svc.HandleStreamEvent("c1", protocol.StreamCompletion{StreamID: "s1", Chunk: "partial"})

	assert.True(t, f.svc.Pause("c1", "s1"))
	assert.False(t, f.svc.Pause("c1", "s1"))
	assert.Equal(t, OutcomeUnknownStream, f.svc.HandleStreamEvent("c1", protocol.StreamCompletion{StreamID: "s1", Chunk: " more"}))
	assert.Equal(t, OutcomeUnknownStream, f.svc.HandleStreamEvent("c1", protocol.StreamCompletion{StreamID: "s1", Stop: true}))

	msg := f.svc.Messages("c1").At(1)
	assert.Equal(t, "partial", msg.Content)
	assert.False(t, msg.IsStreaming)
	assert.Zero(t, f.backend.createCount())
}

func TestPauseAll(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.cache.Set("c1", store.NewList(
		domain.Message{Role: domain.RoleAssistant, CreatedAt: 1, StreamID: "s1", IsStreaming: true},
		domain.Message{Role: domain.RoleAssistant, CreatedAt: 2, StreamID: "s2", IsStreaming: true},
	))

	assert.ElementsMatch(t, []string{"s1", "s2"}, f.svc.PauseAll("c1"))
	assert.False(t, f.svc.Messages("c1").HasStreaming())
	assert.Empty(t, f.svc.PauseAll("c1"))
}

func TestStalledStreamIsFinalized(t *testing.T) {
	cfg := config.Default()
	cfg.StreamStallTimeout = time.Minute
	f := newFixture(t, cfg)

	streamID, err := f.svc.Submit(context.Background(), "c1", "Hi")
	require.NoError(t, err)

	f.advance(50 * time.Second)
	f.svc.HandleStreamEvent("c1", protocol.StreamCompletion{StreamID: streamID, Chunk: "Hel"})
	f.advance(50 * time.Second)
	assert.Empty(t, f.svc.sweepStalledStreams("c1"))

	f.advance(11 * time.Second)
	assert.Equal(t, []string{streamID}, f.svc.sweepStalledStreams("c1"))

	msg := f.svc.Messages("c1").At(1)
	assert.Equal(t, "Hel", msg.Content)
	assert.False(t, msg.IsStreaming)
	assert.True(t, ShouldRefetch(f.svc.Messages("c1")))
}

func TestStallSweepCoversRefetchedStreams(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.messages["c1"] = []domain.Message{
		{Role: domain.RoleAssistant, CreatedAt: 1, StreamID: "server-stream"},
	}
	_, err := f.svc.Refetch(context.Background(), "c1", TriggerMount)
	require.NoError(t, err)
	require.True(t, f.svc.Messages("c1").HasStreaming())

	assert.Empty(t, f.svc.sweepStalledStreams("c1"))
	f.advance(2 * time.Minute)
	assert.Equal(t, []string{"server-stream"}, f.svc.sweepStalledStreams("c1"))
	assert.False(t, f.svc.Messages("c1").HasStreaming())
}

func TestStallSweepIgnoresOtherConversations(t *testing.T) {
	f := newFixture(t, nil)
	seedStreaming(f, "c1", "s1")
	seedStreaming(f, "c2", "s2")
	f.svc.sweepStalledStreams("c1")
	f.svc.sweepStalledStreams("c2")

	f.advance(2 * time.Minute)
	assert.Equal(t, []string{"s1"}, f.svc.sweepStalledStreams("c1"))
	assert.True(t, f.svc.Messages("c2").HasStreaming())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "unknown_stream", OutcomeUnknownStream.String())
}
