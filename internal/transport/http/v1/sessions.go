package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/session"
)

// CreateSession creates a session owned by the caller.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req domain.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	sess, err := h.service.CreateSession(c.Request().Context(), principal(c), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// ListSessions lists session summaries.
// GET /v1/sessions?owner=&status=&limit=&offset=
func (h *Handler) ListSessions(c echo.Context) error {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return badRequest(c, err.Error())
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.service.ListSessions(c.Request().Context(), principal(c), session.ListOptions{
		Owner:  c.QueryParam("owner"),
		Status: domain.SessionStatus(c.QueryParam("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return writeError(c, err)
	}
	if resp.Sessions == nil {
		resp.Sessions = []domain.Summary{}
	}
	return c.JSON(http.StatusOK, resp)
}

// GetSession returns a session with its messages.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	sess, err := h.service.GetSession(c.Request().Context(), principal(c), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// UpdateMetadata merges a metadata patch.
// PATCH /v1/sessions/:session_id/metadata
func (h *Handler) UpdateMetadata(c echo.Context) error {
	var req domain.UpdateMetadataRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	sess, err := h.service.UpdateMetadata(c.Request().Context(), principal(c), c.Param("session_id"), req.Patch)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// DeleteSession marks a session deleted.
// DELETE /v1/sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.service.DeleteSession(c.Request().Context(), principal(c), c.Param("session_id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// EndSession expires a session now.
// POST /v1/sessions/:session_id/end
func (h *Handler) EndSession(c echo.Context) error {
	sess, err := h.service.EndSession(c.Request().Context(), principal(c), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// ExtendSession extends a session's TTL.
// POST /v1/sessions/:session_id/extend
func (h *Handler) ExtendSession(c echo.Context) error {
	var req domain.ExtendSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Hours <= 0 {
		return badRequest(c, "hours must be positive")
	}
	sess, err := h.service.ExtendSession(c.Request().Context(), principal(c), c.Param("session_id"), req.Hours)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// ShareSession grants another principal access to a session.
// POST /v1/sessions/:session_id/share
func (h *Handler) ShareSession(c echo.Context) error {
	var req domain.ShareSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Grantee == "" {
		return badRequest(c, "grantee is required")
	}
	if err := h.service.ShareSession(c.Request().Context(), principal(c), c.Param("session_id"), req); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// QuotaUsage reports the caller's quota consumption.
// GET /v1/quota
func (h *Handler) QuotaUsage(c echo.Context) error {
	usage, err := h.service.QuotaUsage(c.Request().Context(), principal(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"quotas": usage})
}

// Stats returns store-wide counts.
// GET /v1/stats
func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.service.Stats(c.Request().Context(), principal(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}
