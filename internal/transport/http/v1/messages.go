package v1

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// AppendMessage appends a message to a session.
// POST /v1/sessions/:session_id/messages
func (h *Handler) AppendMessage(c echo.Context) error {
	var req domain.AppendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	msg, err := h.service.AppendMessage(c.Request().Context(), principal(c), c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// GetSessionMessages retrieves the last messages of a session.
// GET /v1/sessions/:session_id/messages?limit=
func (h *Handler) GetSessionMessages(c echo.Context) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return badRequest(c, err.Error())
	}

	messages, err := h.service.GetMessages(c.Request().Context(), principal(c), c.Param("session_id"), limit)
	if err != nil {
		return writeError(c, err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

// StreamSession upgrades to a websocket that receives every message
// appended to the session.
// GET /v1/sessions/:session_id/stream
func (h *Handler) StreamSession(c echo.Context) error {
	hub := h.service.Hub()
	if hub == nil {
		return c.JSON(http.StatusServiceUnavailable, domain.ErrorResponse{Error: "streaming disabled", Code: "unavailable"})
	}
	sessionID := c.Param("session_id")
	// Authorize before upgrading so failures are plain HTTP errors.
	if _, err := h.service.GetSession(c.Request().Context(), principal(c), sessionID); err != nil {
		return writeError(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		c.Logger().Errorf("websocket upgrade failed: %v", err)
		return nil
	}
	hub.Serve(hub.NewConnection(ws, sessionID))
	return nil
}
