// Package testbackend is an in-process chat backend: the REST API backed by
// SQLite plus the push socket. Tests drive the reply stream by hand; the dev
// command lets it answer on its own.
package testbackend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/protocol"
)

// Stream is a reply the backend owes a client.
type Stream struct {
	ID             string
	ConversationID string
	ConnectionID   string
}

// Options configures a Server.
type Options struct {
	// Token, when set, is required as a bearer header or ?token= query.
	Token string
	// AutoReply makes the server stream these chunks after every message.
	AutoReply []string
	// ChunkDelay spaces auto-reply chunks.
	ChunkDelay time.Duration
	Logger     *slog.Logger
}

type failure struct {
	status  int
	message string
}

// Server is the fake backend.
type Server struct {
	echo  *echo.Echo
	repo  *Repository
	conns *registry
	opts  Options
	log   *slog.Logger

	mu       sync.Mutex
	streams  map[string]Stream
	order    []string
	requests []domain.CreateMessageRequest
	failures []failure
	wg       sync.WaitGroup
}

// New creates a server on top of repo.
func New(repo *Repository, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "testbackend"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		repo:    repo,
		conns:   newRegistry(logger),
		opts:    opts,
		log:     logger,
		streams: make(map[string]Stream),
	}

	e.GET("/health", s.handleHealth)

	var auth []echo.MiddlewareFunc
	if opts.Token != "" {
		auth = append(auth, middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup:  "header:" + echo.HeaderAuthorization + ",query:token",
			AuthScheme: "Bearer",
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == opts.Token, nil
			},
			ErrorHandler: func(err error, c echo.Context) error {
				return c.JSON(http.StatusUnauthorized, domain.ErrorResponse{Message: "Unauthorized"})
			},
		}))
	}
	e.GET("/ws", s.conns.handleWebSocket, auth...)
	e.GET("/conversations", s.handleListConversations, auth...)
	e.POST("/conversations", s.handleCreateConversation, auth...)
	e.GET("/conversations/:id/messages", s.handleListMessages, auth...)
	e.POST("/conversations/:id/messages", s.handleCreateMessage, auth...)
	e.GET("/prompts", s.handleListPrompts, auth...)
	e.POST("/prompts", s.handleCreatePrompt, auth...)
	e.GET("/prompts/:id", s.handleGetPrompt, auth...)
	e.PUT("/prompts/:id", s.handleUpdatePrompt, auth...)
	e.DELETE("/prompts/:id", s.handleDeletePrompt, auth...)
	e.GET("/costs/current_month", s.handleCurrentMonthCost, auth...)

	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, drops push sockets and waits for
// auto-replies in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.conns.dropAll()
	s.wg.Wait()
	return err
}

// Repository exposes the backing store.
func (s *Server) Repository() *Repository {
	return s.repo
}

// FailNext makes the next message create fail with the given status.
func (s *Server) FailNext(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{status: status, message: message})
}

// Requests returns every accepted message create, oldest first.
func (s *Server) Requests() []domain.CreateMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CreateMessageRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Streams returns the open streams, oldest first.
func (s *Server) Streams() []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stream, 0, len(s.order))
	for _, id := range s.order {
		if st, ok := s.streams[id]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Connections returns the ids of sockets that completed the handshake.
func (s *Server) Connections() []string {
	return s.conns.ids()
}

// DropConnections closes every push socket.
func (s *Server) DropConnections() {
	s.conns.dropAll()
}

// PushChunk records chunk on the stream and sends it to the stream's socket.
func (s *Server) PushChunk(ctx context.Context, streamID, chunk string) error {
	st, err := s.stream(streamID)
	if err != nil {
		return err
	}
	if err := s.repo.AppendStreamContent(ctx, streamID, chunk); err != nil {
		return err
	}
	return s.conns.send(st.ConnectionID, protocol.StreamCompletion{
		StreamID:       st.ID,
		ConversationID: st.ConversationID,
		Chunk:          chunk,
	})
}

// CommitChunk records chunk without sending it, as if the frame was lost.
func (s *Server) CommitChunk(ctx context.Context, streamID, chunk string) error {
	if _, err := s.stream(streamID); err != nil {
		return err
	}
	return s.repo.AppendStreamContent(ctx, streamID, chunk)
}

// Finish commits the stream and sends the stop event.
func (s *Server) Finish(ctx context.Context, streamID string) error {
	st, err := s.finish(ctx, streamID)
	if err != nil {
		return err
	}
	return s.conns.send(st.ConnectionID, protocol.StreamCompletion{
		StreamID:       st.ID,
		ConversationID: st.ConversationID,
		Stop:           true,
	})
}

// FinishSilently commits the stream without telling the client.
func (s *Server) FinishSilently(ctx context.Context, streamID string) error {
	_, err := s.finish(ctx, streamID)
	return err
}

// SendFrame writes a raw frame to a connection.
func (s *Server) SendFrame(connectionID string, data []byte) error {
	return s.conns.sendFrame(connectionID, data)
}

func (s *Server) stream(id string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return st, nil
}

func (s *Server) finish(ctx context.Context, id string) (Stream, error) {
	st, err := s.stream(id)
	if err != nil {
		return Stream{}, err
	}
	if err := s.repo.FinishStream(ctx, id); err != nil {
		return Stream{}, err
	}
	s.mu.Lock()
	delete(s.streams, id)
	for i, sid := range s.order {
		if sid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return st, nil
}

func (s *Server) nextFailure() (failure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return failure{}, false
	}
	f := s.failures[0]
	s.failures = s.failures[1:]
	return f, true
}

// openStream stores the user turn and an empty assistant turn for the reply.
func (s *Server) openStream(ctx context.Context, conversationID string, req *domain.CreateMessageRequest) (*domain.Message, error) {
	msg, err := s.repo.AppendMessage(ctx, conversationID, domain.RoleUser, req.Content, "")
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.AppendMessage(ctx, conversationID, domain.RoleAssistant, "", req.StreamID); err != nil {
		return nil, err
	}

	st := Stream{ID: req.StreamID, ConversationID: conversationID, ConnectionID: req.ConnectionID}
	s.mu.Lock()
	s.streams[st.ID] = st
	s.order = append(s.order, st.ID)
	s.requests = append(s.requests, *req)
	s.mu.Unlock()

	if len(s.opts.AutoReply) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.autoReply(st.ID)
		}()
	}
	return msg, nil
}

func (s *Server) autoReply(streamID string) {
	ctx := context.Background()
	for _, chunk := range s.opts.AutoReply {
		if s.opts.ChunkDelay > 0 {
			time.Sleep(s.opts.ChunkDelay)
		}
		if err := s.PushChunk(ctx, streamID, chunk); err != nil {
			s.log.Warn("failed to push chunk",
				slog.String("stream_id", streamID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := s.Finish(ctx, streamID); err != nil {
		s.log.Warn("failed to finish stream",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
	}
}

func titleFor(message string) string {
	title := []rune(strings.TrimSpace(message))
	if len(title) > 40 {
		title = title[:40]
	}
	return string(title)
}
