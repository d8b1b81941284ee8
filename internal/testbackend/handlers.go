package testbackend

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/mimir/internal/domain"
)

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, domain.ErrorResponse{Message: message})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": len(s.conns.ids()),
	})
}

func (s *Server) handleListConversations(c echo.Context) error {
	items, err := s.repo.ListConversations(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, domain.ListConversationsResponse{Items: items})
}

func (s *Server) handleCreateConversation(c echo.Context) error {
	var req domain.CreateConversationRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return errorJSON(c, http.StatusBadRequest, "message is required")
	}

	conv, err := s.repo.CreateConversation(c.Request().Context(), titleFor(req.Message))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, conv)
}

func (s *Server) handleListMessages(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	exists, err := s.repo.ConversationExists(ctx, id)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if !exists {
		return errorJSON(c, http.StatusNotFound, "Conversation not found")
	}

	items, err := s.repo.ListMessages(ctx, id)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, domain.ListMessagesResponse{Items: items})
}

func (s *Server) handleCreateMessage(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req domain.CreateMessageRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return errorJSON(c, http.StatusBadRequest, "content is required")
	}
	if req.StreamID == "" {
		return errorJSON(c, http.StatusBadRequest, "streamId is required")
	}

	if f, ok := s.nextFailure(); ok {
		return errorJSON(c, f.status, f.message)
	}

	exists, err := s.repo.ConversationExists(ctx, id)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if !exists {
		return errorJSON(c, http.StatusNotFound, "Conversation not found")
	}

	msg, err := s.openStream(ctx, id, &req)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, domain.CreateMessageResponse{
		CreatedAt: msg.CreatedAt,
		Role:      msg.Role,
		Content:   msg.Content,
	})
}

func (s *Server) handleListPrompts(c echo.Context) error {
	items, err := s.repo.ListPrompts(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, domain.ListPromptsResponse{Items: items})
}

func (s *Server) handleCreatePrompt(c echo.Context) error {
	var req domain.CreatePromptRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" || req.Text == "" {
		return errorJSON(c, http.StatusBadRequest, "title and text are required")
	}

	p, err := s.repo.CreatePrompt(c.Request().Context(), req.Title, req.Text)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleGetPrompt(c echo.Context) error {
	p, err := s.repo.GetPrompt(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "Prompt not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdatePrompt(c echo.Context) error {
	var req domain.UpdatePromptRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	p := &domain.Prompt{ID: c.Param("id"), Title: req.Title, Text: req.Text}
	if p.Title == "" || p.Text == "" {
		return errorJSON(c, http.StatusBadRequest, "title and text are required")
	}

	err := s.repo.UpdatePrompt(c.Request().Context(), p)
	if errors.Is(err, ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "Prompt not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeletePrompt(c echo.Context) error {
	err := s.repo.DeletePrompt(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "Prompt not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCurrentMonthCost(c echo.Context) error {
	cost, err := s.repo.CurrentMonthCost(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cost)
}
