package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
)

// PutGrant creates or replaces a grant.
// PUT /v1/grants
func (h *Handler) PutGrant(c echo.Context) error {
	var req domain.GrantRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ResourceID == "" || req.Grantee == "" || req.Level == "" {
		return badRequest(c, "resource_id, grantee and level are required")
	}
	if req.ResourceType == "" {
		req.ResourceType = domain.ResourceSession
	}
	if err := h.service.Grant(c.Request().Context(), principal(c), req); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteGrant revokes a grant.
// DELETE /v1/grants?resource_type=&resource_id=&grantee=
func (h *Handler) DeleteGrant(c echo.Context) error {
	rt := resourceType(c)
	err := h.service.Revoke(c.Request().Context(), principal(c), rt, c.QueryParam("resource_id"), c.QueryParam("grantee"))
	if err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListGrants lists grants on a resource.
// GET /v1/grants?resource_type=&resource_id=
func (h *Handler) ListGrants(c echo.Context) error {
	grants, err := h.service.Grants(c.Request().Context(), principal(c), resourceType(c), c.QueryParam("resource_id"))
	if err != nil {
		return writeError(c, err)
	}
	if grants == nil {
		grants = []domain.Grant{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"grants": grants,
	})
}

// CheckAccess reports whether the caller holds a level on a resource.
// GET /v1/access/check?resource_type=&resource_id=&level=
func (h *Handler) CheckAccess(c echo.Context) error {
	required := domain.AccessRead
	if l := c.QueryParam("level"); l != "" {
		parsed, err := domain.ParseAccessLevel(l)
		if err != nil {
			return writeError(c, err)
		}
		required = parsed
	}
	resp, err := h.service.CheckAccess(c.Request().Context(), principal(c), resourceType(c), c.QueryParam("resource_id"), required)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func resourceType(c echo.Context) domain.ResourceType {
	if rt := c.QueryParam("resource_type"); rt != "" {
		return domain.ResourceType(rt)
	}
	return domain.ResourceSession
}
