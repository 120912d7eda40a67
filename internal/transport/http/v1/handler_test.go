package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/ratelimit"
	"github.com/xiaot623/gogo/sessiond/internal/repository"
	"github.com/xiaot623/gogo/sessiond/internal/service"
	"github.com/xiaot623/gogo/sessiond/tests/helpers/stack"
)

var (
	alice = domain.Principal{ID: "u1", Roles: []string{"user"}}
	bob   = domain.Principal{ID: "u2", Roles: []string{"user"}}
	ops   = domain.Principal{ID: "ops", Roles: []string{"admin"}}
)

func newTestHandler(t *testing.T) (*Handler, *stack.Stack) {
	st := stack.New(t, nil)
	return NewHandler(st.Service), st
}

// call invokes fn with a request built from method, target and body.
// params alternates path parameter names and values.
func call(t *testing.T, fn echo.HandlerFunc, p domain.Principal, method, target, body string, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if p.ID != "" {
		req.Header.Set(HeaderPrincipalID, p.ID)
		req.Header.Set(HeaderPrincipalRoles, strings.Join(p.Roles, ","))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		var names, values []string
		for i := 0; i+1 < len(params); i += 2 {
			names = append(names, params[i])
			values = append(values, params[i+1])
		}
		c.SetParamNames(names...)
		c.SetParamValues(values...)
	}
	if err := fn(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func createSession(t *testing.T, h *Handler, p domain.Principal) domain.Session {
	t.Helper()
	rec := call(t, h.CreateSession, p, http.MethodPost, "/v1/sessions", `{"metadata":{"title":"demo"},"ttl_hours":2}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess domain.Session
	decode(t, rec, &sess)
	return sess
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := call(t, h.Health, domain.Principal{}, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","version":"0.1.0"}`, rec.Body.String())
}

func TestCreateAndGetSession(t *testing.T) {
	h, _ := newTestHandler(t)
	sess := createSession(t, h, alice)
	assert.Equal(t, "u1", sess.Owner)
	assert.Equal(t, "demo", sess.Metadata["title"])

	rec := call(t, h.GetSession, alice, http.MethodGet, "/v1/sessions/"+sess.ID, "", "session_id", sess.ID)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h.GetSession, bob, http.MethodGet, "/v1/sessions/"+sess.ID, "", "session_id", sess.ID)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body domain.ErrorResponse
	decode(t, rec, &body)
	assert.Equal(t, "permission_denied", body.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := call(t, h.CreateSession, domain.Principal{}, http.MethodPost, "/v1/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h.CreateSession, alice, http.MethodPost, "/v1/sessions", `{"ttl_hours":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h.CreateSession, alice, http.MethodPost, "/v1/sessions", `{"metadata":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMissingSession(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := call(t, h.GetSession, alice, http.MethodGet, "/v1/sessions/nope", "", "session_id", "nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body domain.ErrorResponse
	decode(t, rec, &body)
	assert.Equal(t, "not_found", body.Code)

	rec = call(t, h.GetSession, ops, http.MethodGet, "/v1/sessions/nope", "", "session_id", "nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h.DeleteSession, alice, http.MethodDelete, "/v1/sessions/nope", "", "session_id", "nope")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestEndSession(t *testing.T) {
	h, _ := newTestHandler(t)
	sess := createSession(t, h, alice)

	rec := call(t, h.EndSession, bob, http.MethodPost, "/v1/sessions/"+sess.ID+"/end", "", "session_id", sess.ID)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h.EndSession, alice, http.MethodPost, "/v1/sessions/"+sess.ID+"/end", "", "session_id", sess.ID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got domain.Session
	decode(t, rec, &got)
	assert.Equal(t, domain.SessionStatusExpired, got.Status)

	rec = call(t, h.GetSession, alice, http.MethodGet, "/v1/sessions/"+sess.ID, "", "session_id", sess.ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = call(t, h.EndSession, alice, http.MethodPost, "/v1/sessions/"+sess.ID+"/end", "", "session_id", sess.ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuotaUsageEndpoint(t *testing.T) {
	st := stack.New(t, func(st *stack.Stack) []service.Option {
		q := ratelimit.NewQuota(st.Backend, "agent:session:", map[string]ratelimit.QuotaRule{
			ratelimit.ResourceSessions: {Limit: 5, Period: ratelimit.PeriodDay},
		}, st.Clock, repository.NewRetrier(0, 0, zerolog.Nop()))
		return []service.Option{service.WithQuota(q)}
	})
	h := NewHandler(st.Service)
	createSession(t, h, alice)

	rec := call(t, h.QuotaUsage, alice, http.MethodGet, "/v1/quota", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Quotas []ratelimit.Usage `json:"quotas"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Quotas, 2)
	assert.Equal(t, ratelimit.ResourceSessions, body.Quotas[0].Resource)
	assert.Equal(t, int64(1), body.Quotas[0].Used)
	assert.Equal(t, int64(5), body.Quotas[0].Limit)
	assert.Equal(t, int64(0), body.Quotas[1].Used)

	rec = call(t, h.QuotaUsage, domain.Principal{}, http.MethodGet, "/v1/quota", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppendAndGetMessages(t *testing.T) {
	h, _ := newTestHandler(t)
	sess := createSession(t, h, alice)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"role":"user","content":"m%d"}`, i)
		rec := call(t, h.AppendMessage, alice, http.MethodPost, "/v1/sessions/"+sess.ID+"/messages", body, "session_id", sess.ID)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := call(t, h.AppendMessage, alice, http.MethodPost, "/v1/sessions/"+sess.ID+"/messages", `{"role":"robot","content":"x"}`, "session_id", sess.ID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h.GetSessionMessages, alice, http.MethodGet, "/v1/sessions/"+sess.ID+"/messages?limit=2", "", "session_id", sess.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []domain.Message `json:"messages"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, uint64(2), resp.Messages[0].Seq)
	assert.Equal(t, "m2", resp.Messages[1].Content)

	rec = call(t, h.GetSessionMessages, alice, http.MethodGet, "/v1/sessions/"+sess.ID+"/messages?limit=abc", "", "session_id", sess.ID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateMetadata(t *testing.T) {
	h, _ := newTestHandler(t)
	sess := createSession(t, h, alice)

	rec := call(t, h.UpdateMetadata, alice, http.MethodPatch, "/v1/sessions/"+sess.ID+"/metadata", `{"patch":{"lang":"zh"}}`, "session_id", sess.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Session
	decode(t, rec, &got)
	assert.Equal(t, "zh", got.Metadata["lang"])
	assert.Equal(t, "demo", got.Metadata["title"])
}

func TestShareAndDelete(t *testing.T) {
	h, _ := newTestHandler(t)
	sess := createSession(t, h, alice)

	rec := call(t, h.ShareSession, alice, http.MethodPost, "/v1/sessions/"+sess.ID+"/share", `{}`, "session_id", sess.ID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h.ShareSession, alice, http.MethodPost, "/v1/sessions/"+sess.ID+"/share", `{"grantee":"u2"}`, "session_id", sess.ID)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, h.GetSession, bob, http.MethodGet, "/v1/sessions/"+sess.ID, "", "session_id", sess.ID)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h.DeleteSession, bob, http.MethodDelete, "/v1/sessions/"+sess.ID, "", "session_id", sess.ID)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h.DeleteSession, alice, http.MethodDelete, "/v1/sessions/"+sess.ID, "", "session_id", sess.ID)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, h.GetSession, alice, http.MethodGet, "/v1/sessions/"+sess.ID, "", "session_id", sess.ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExtendSession(t *testing.T) {
	h, _ := newTestHandler(t)
	sess := createSession(t, h, alice)

	rec := call(t, h.ExtendSession, alice, http.MethodPost, "/v1/sessions/"+sess.ID+"/extend", `{"hours":0}`, "session_id", sess.ID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h.ExtendSession, alice, http.MethodPost, "/v1/sessions/"+sess.ID+"/extend", `{"hours":3}`, "session_id", sess.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Session
	decode(t, rec, &got)
	assert.Equal(t, sess.TTL*5/2, got.TTL)
}

func TestListSessions(t *testing.T) {
	h, _ := newTestHandler(t)
	createSession(t, h, alice)
	createSession(t, h, alice)
	createSession(t, h, bob)

	rec := call(t, h.ListSessions, alice, http.MethodGet, "/v1/sessions?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.ListSessionsResponse
	decode(t, rec, &resp)
	assert.Len(t, resp.Sessions, 1)
	assert.True(t, resp.HasMore)

	rec = call(t, h.ListSessions, alice, http.MethodGet, "/v1/sessions?owner=u2", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h.ListSessions, alice, http.MethodGet, "/v1/sessions?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h.ListSessions, ops, http.MethodGet, "/v1/sessions?status=deleted", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[],"has_more":false}`, rec.Body.String())
}

func TestGrantEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)
	sess := createSession(t, h, alice)

	rec := call(t, h.PutGrant, alice, http.MethodPut, "/v1/grants", `{"resource_id":"`+sess.ID+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := fmt.Sprintf(`{"resource_type":"session","resource_id":%q,"grantee":"u2","level":"read-write"}`, sess.ID)
	rec = call(t, h.PutGrant, alice, http.MethodPut, "/v1/grants", body)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = call(t, h.CheckAccess, bob, http.MethodGet, "/v1/access/check?resource_id="+sess.ID+"&level=read-write", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"allowed":true,"level":"read-write"}`, rec.Body.String())

	rec = call(t, h.ListGrants, alice, http.MethodGet, "/v1/grants?resource_id="+sess.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var grants struct {
		Grants []domain.Grant `json:"grants"`
	}
	decode(t, rec, &grants)
	require.Len(t, grants.Grants, 1)
	assert.Equal(t, "u2", grants.Grants[0].Grantee)

	rec = call(t, h.DeleteGrant, alice, http.MethodDelete, "/v1/grants?resource_type=session&resource_id="+sess.ID+"&grantee=u2", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, h.CheckAccess, bob, http.MethodGet, "/v1/access/check?resource_id="+sess.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"allowed":false,"level":"none"}`, rec.Body.String())

	rec = call(t, h.CheckAccess, bob, http.MethodGet, "/v1/access/check?resource_id="+sess.ID+"&level=godlike", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h.CheckAccess, bob, http.MethodGet, "/v1/access/check?resource_type=planet&resource_id=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	createSession(t, h, alice)

	rec := call(t, h.Stats, alice, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h.Stats, ops, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats domain.Stats
	decode(t, rec, &stats)
	assert.Equal(t, 1, stats.Total)
}

func TestRateLimitedResponse(t *testing.T) {
	st := stack.New(t, func(st *stack.Stack) []service.Option {
		return []service.Option{service.WithLimiter(ratelimit.NewLimiter(map[ratelimit.Class]int{ratelimit.ClassWrite: 1}, st.Clock))}
	})
	h := NewHandler(st.Service)

	createSession(t, h, alice)
	rec := call(t, h.CreateSession, alice, http.MethodPost, "/v1/sessions", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body domain.ErrorResponse
	decode(t, rec, &body)
	assert.Equal(t, "rate_limited", body.Code)
}

func TestStreamWithoutHub(t *testing.T) {
	h, _ := newTestHandler(t)
	sess := createSession(t, h, alice)
	rec := call(t, h.StreamSession, alice, http.MethodGet, "/v1/sessions/"+sess.ID+"/stream", "", "session_id", sess.ID)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", domain.ErrPermissionDenied), http.StatusForbidden},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrQuotaExceeded, http.StatusTooManyRequests},
		{domain.ErrConflict, http.StatusConflict},
		{fmt.Errorf("%w: %w", domain.ErrStorage, domain.ErrStorageTimeout), http.StatusGatewayTimeout},
		{domain.ErrStorage, http.StatusServiceUnavailable},
		{domain.ErrInvalidArgument, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusCode(tc.err), tc.err.Error())
	}
}
