package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/hub"
	"github.com/xiaot623/gogo/sessiond/internal/service"
	v1 "github.com/xiaot623/gogo/sessiond/internal/transport/http/v1"
	"github.com/xiaot623/gogo/sessiond/tests/helpers/stack"
)

func newTestServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	st := stack.New(t, func(*stack.Stack) []service.Option {
		return []service.Option{service.WithHub(h)}
	})
	srv := httptest.NewServer(NewServer(st.Service, st.Registry, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, h
}

func request(t *testing.T, srv *httptest.Server, method, path, principal, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(v1.HeaderPrincipalID, principal)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := request(t, srv, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = request(t, srv, http.MethodPost, "/v1/sessions", "u1", `{"ttl_hours":1}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess domain.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))

	resp = request(t, srv, http.MethodGet, "/v1/sessions/"+sess.ID, "u1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = request(t, srv, http.MethodDelete, "/v1/sessions/"+sess.ID, "u1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = request(t, srv, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "sessiond_operations_total")
}

func TestStreamReceivesAppendedMessages(t *testing.T) {
	srv, h := newTestServer(t)

	resp := request(t, srv, http.MethodPost, "/v1/sessions", "u1", `{}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess domain.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + sess.ID + "/stream"

	// strangers are rejected before the upgrade
	_, wsResp, err := websocket.DefaultDialer.Dial(url, http.Header{v1.HeaderPrincipalID: {"u2"}})
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusForbidden, wsResp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{v1.HeaderPrincipalID: {"u1"}})
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return h.HasSubscribers(sess.ID) }, time.Second, 10*time.Millisecond)

	resp = request(t, srv, http.MethodPost, "/v1/sessions/"+sess.ID+"/messages", "u1", `{"role":"assistant","content":"hello"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event domain.StreamEvent
	require.NoError(t, ws.ReadJSON(&event))
	assert.Equal(t, "message", event.Type)
	assert.Equal(t, sess.ID, event.SessionID)
	assert.Equal(t, uint64(1), event.Message.Seq)
	assert.Equal(t, "hello", event.Message.Content)
}
