package testbackend

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/mimir/internal/adapter/backend"
	"github.com/xiaot623/gogo/mimir/internal/adapter/push"
	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/protocol"
)

type recorder chan protocol.Event

func (r recorder) Publish(ev protocol.Event) { r <- ev }

func (r recorder) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case ev := <-r:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
		return nil
	}
}

// connect runs a push client against h and waits for its handshake.
func connect(t *testing.T, h *Harness, token string) (*push.Client, recorder) {
	t.Helper()
	events := make(recorder, 32)
	client := push.NewClient(push.Config{
		URL:           h.SocketURL(),
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	}, backend.StaticToken(token), events, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	connected, ok := events.next(t).(protocol.Connected)
	require.True(t, ok)
	require.NotEmpty(t, connected.ConnectionID)
	return client, events
}

func TestServerMessageFlow(t *testing.T) {
	h := StartTest(t, Options{})
	api := backend.NewClient(h.APIURL(), nil)
	ctx := context.Background()

	conv, err := api.CreateConversation(ctx, "What is Go?")
	require.NoError(t, err)
	assert.Equal(t, "What is Go?", conv.Title)

	convs, err := api.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Conversation{*conv}, convs)

	resp, err := api.CreateMessage(ctx, conv.ID, &domain.CreateMessageRequest{StreamID: "s1", Content: "Hi", ConnectionID: "conn"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, resp.Role)
	assert.Equal(t, "Hi", resp.Content)
	assert.Equal(t, []Stream{{ID: "s1", ConversationID: conv.ID, ConnectionID: "conn"}}, h.Streams())
	assert.Len(t, h.Requests(), 1)

	require.NoError(t, h.CommitChunk(ctx, "s1", "Hello"))
	msgs, err := api.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsStreaming)

	require.NoError(t, h.FinishSilently(ctx, "s1"))
	assert.Empty(t, h.Streams())
	msgs, err = api.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)

	cost, err := api.CurrentMonthCost(ctx)
	require.NoError(t, err)
	assert.Equal(t, costPerReply, cost.Amount)
}

func TestServerErrors(t *testing.T) {
	h := StartTest(t, Options{})
	api := backend.NewClient(h.APIURL(), nil)
	ctx := context.Background()

	var apiErr *backend.APIError
	_, err := api.ListMessages(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Conversation not found", apiErr.Message)

	conv, err := api.CreateConversation(ctx, "hi")
	require.NoError(t, err)

	_, err = api.CreateMessage(ctx, conv.ID, &domain.CreateMessageRequest{StreamID: "s1", Content: "  "})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	h.FailNext(http.StatusInternalServerError, "model unavailable")
	_, err = api.CreateMessage(ctx, conv.ID, &domain.CreateMessageRequest{StreamID: "s1", Content: "Hi"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "model unavailable", apiErr.Message)
	assert.Empty(t, h.Requests())

	_, err = api.CreateMessage(ctx, conv.ID, &domain.CreateMessageRequest{StreamID: "s1", Content: "Hi"})
	assert.NoError(t, err)
}

func TestServerPrompts(t *testing.T) {
	h := StartTest(t, Options{})
	api := backend.NewClient(h.APIURL(), nil)
	ctx := context.Background()

	p, err := api.CreatePrompt(ctx, &domain.CreatePromptRequest{Title: "Greet", Text: "Hello ${name}"})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	p, err = api.UpdatePrompt(ctx, &domain.UpdatePromptRequest{ID: p.ID, Title: "Greet", Text: "Hi ${name}"})
	require.NoError(t, err)
	got, err := api.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi ${name}", got.Text)

	items, err := api.ListPrompts(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.NoError(t, api.DeletePrompt(ctx, p.ID))
	var apiErr *backend.APIError
	_, err = api.GetPrompt(ctx, p.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestServerRequiresToken(t *testing.T) {
	h := StartTest(t, Options{Token: "secret"})
	ctx := context.Background()

	var apiErr *backend.APIError
	_, err := backend.NewClient(h.APIURL(), nil).ListConversations(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = backend.NewClient(h.APIURL(), backend.StaticToken("wrong")).ListConversations(ctx)
	require.True(t, errors.As(err, &apiErr))

	_, err = backend.NewClient(h.APIURL(), backend.StaticToken("secret")).ListConversations(ctx)
	assert.NoError(t, err)

	client, _ := connect(t, h, "secret")
	assert.NotEmpty(t, client.ConnectionID())
}

func TestServerStreamsToConnection(t *testing.T) {
	h := StartTest(t, Options{})
	api := backend.NewClient(h.APIURL(), nil)
	ctx := context.Background()
	client, events := connect(t, h, "")
	assert.Equal(t, []string{client.ConnectionID()}, h.Connections())

	conv, err := api.CreateConversation(ctx, "hi")
	require.NoError(t, err)
	_, err = api.CreateMessage(ctx, conv.ID, &domain.CreateMessageRequest{
		StreamID:     "s1",
		Content:      "Hi",
		ConnectionID: client.ConnectionID(),
	})
	require.NoError(t, err)

	require.NoError(t, h.PushChunk(ctx, "s1", "Hel"))
	require.NoError(t, h.Finish(ctx, "s1"))
	assert.Equal(t, protocol.StreamCompletion{StreamID: "s1", ConversationID: conv.ID, Chunk: "Hel"}, events.next(t))
	assert.Equal(t, protocol.StreamCompletion{StreamID: "s1", ConversationID: conv.ID, Stop: true}, events.next(t))

	assert.ErrorIs(t, h.PushChunk(ctx, "s1", "late"), ErrNotFound)
	assert.ErrorIs(t, h.SendFrame("nope", []byte("{}")), ErrUnknownConnection)
}

func TestServerAutoReply(t *testing.T) {
	h := StartTest(t, Options{AutoReply: []string{"Hello", " there"}})
	api := backend.NewClient(h.APIURL(), nil)
	ctx := context.Background()
	client, events := connect(t, h, "")

	conv, err := api.CreateConversation(ctx, "hi")
	require.NoError(t, err)
	_, err = api.CreateMessage(ctx, conv.ID, &domain.CreateMessageRequest{
		StreamID:     "s1",
		Content:      "Hi",
		ConnectionID: client.ConnectionID(),
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello", events.next(t).(protocol.StreamCompletion).Chunk)
	assert.Equal(t, " there", events.next(t).(protocol.StreamCompletion).Chunk)
	assert.True(t, events.next(t).(protocol.StreamCompletion).Stop)

	msgs, err := api.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", msgs[1].Content)
}

func TestServerDropConnectionsForcesReconnect(t *testing.T) {
	h := StartTest(t, Options{})
	client, events := connect(t, h, "")
	first := client.ConnectionID()

	h.DropConnections()

	connected, ok := events.next(t).(protocol.Connected)
	require.True(t, ok)
	assert.True(t, connected.Reconnect)
	assert.NotEqual(t, first, connected.ConnectionID)
	require.Eventually(t, func() bool {
		ids := h.Connections()
		return len(ids) == 1 && ids[0] == connected.ConnectionID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	h := StartTest(t, Options{Token: "secret"})
	resp, err := http.Get(h.APIURL() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
