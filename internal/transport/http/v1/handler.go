// Package v1 provides the versioned HTTP handlers for sessiond.
package v1

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/service"
)

// Principal headers.
const (
	HeaderPrincipalID    = "X-Principal-ID"
	HeaderPrincipalRoles = "X-Principal-Roles"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Session API
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions", h.ListSessions)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.PATCH("/v1/sessions/:session_id/metadata", h.UpdateMetadata)
	e.DELETE("/v1/sessions/:session_id", h.DeleteSession)
	e.POST("/v1/sessions/:session_id/extend", h.ExtendSession)
	e.POST("/v1/sessions/:session_id/end", h.EndSession)
	e.POST("/v1/sessions/:session_id/share", h.ShareSession)

	// Messages
	e.POST("/v1/sessions/:session_id/messages", h.AppendMessage)
	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)
	e.GET("/v1/sessions/:session_id/stream", h.StreamSession)

	// Access control API
	e.PUT("/v1/grants", h.PutGrant)
	e.DELETE("/v1/grants", h.DeleteGrant)
	e.GET("/v1/grants", h.ListGrants)
	e.GET("/v1/access/check", h.CheckAccess)

	e.GET("/v1/quota", h.QuotaUsage)
	e.GET("/v1/stats", h.Stats)
	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

// principal reads the caller identity from the request headers.
func principal(c echo.Context) domain.Principal {
	req := c.Request()
	return domain.Principal{
		ID:    req.Header.Get(HeaderPrincipalID),
		Roles: domain.ParseRoles(req.Header.Get(HeaderPrincipalRoles)),
	}
}

// StatusCode maps a service error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStorageTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	return c.JSON(StatusCode(err), domain.ErrorResponse{
		Error: err.Error(),
		Code:  domain.ErrorCode(err),
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: msg, Code: "invalid_argument"})
}

// queryInt parses an integer query parameter, falling back to def when it
// is absent.
func queryInt(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
