package testbackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/mimir/internal/domain"
)

func TestRepositoryMessages(t *testing.T) {
	repo := NewTestRepository(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "hello")
	require.NoError(t, err)
	exists, err := repo.ConversationExists(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = repo.AppendMessage(ctx, conv.ID, domain.RoleUser, "Hi", "")
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, conv.ID, domain.RoleAssistant, "", "s1")
	require.NoError(t, err)
	require.NoError(t, repo.AppendStreamContent(ctx, "s1", "Hel"))
	require.NoError(t, repo.AppendStreamContent(ctx, "s1", "lo"))

	msgs, err := repo.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.True(t, msgs[1].IsStreaming)
	assert.Equal(t, "s1", msgs[1].StreamID)

	cost, err := repo.CurrentMonthCost(ctx)
	require.NoError(t, err)
	assert.Zero(t, cost.Amount)

	require.NoError(t, repo.FinishStream(ctx, "s1"))
	assert.ErrorIs(t, repo.FinishStream(ctx, "s1"), ErrNotFound)
	assert.ErrorIs(t, repo.AppendStreamContent(ctx, "s1", "late"), ErrNotFound)

	msgs, err = repo.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, msgs[1].IsStreaming)
	assert.Empty(t, msgs[1].StreamID)

	cost, err = repo.CurrentMonthCost(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Cost{Amount: costPerReply, Unit: domain.CostUnitUSD}, *cost)
}

func TestRepositoryMessageRequiresConversation(t *testing.T) {
	repo := NewTestRepository(t)
	_, err := repo.AppendMessage(context.Background(), "missing", domain.RoleUser, "Hi", "")
	assert.Error(t, err)
}

func TestRepositoryPrompts(t *testing.T) {
	repo := NewTestRepository(t)
	ctx := context.Background()

	p, err := repo.CreatePrompt(ctx, "Translate", "Translate ${text}")
	require.NoError(t, err)

	got, err := repo.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	p.Text = "Translate ${text} to ${lang}"
	require.NoError(t, repo.UpdatePrompt(ctx, p))
	items, err := repo.ListPrompts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Prompt{*p}, items)

	require.NoError(t, repo.DeletePrompt(ctx, p.ID))
	_, err = repo.GetPrompt(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.DeletePrompt(ctx, p.ID), ErrNotFound)
	assert.ErrorIs(t, repo.UpdatePrompt(ctx, p), ErrNotFound)
}
