package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/demoforge/internal/api/middleware"
	"github.com/yoockh/demoforge/internal/logger"
	"github.com/yoockh/demoforge/internal/models"
	"github.com/yoockh/demoforge/internal/providers/conversation"
	"github.com/yoockh/demoforge/internal/repositories/memory"
	"github.com/yoockh/demoforge/internal/services"
)

type stubProvider struct {
	mu    sync.Mutex
	n     int
	fail  bool
	ended []string
}

func (p *stubProvider) CreateConversation(_ context.Context, req conversation.CreateRequest) (*conversation.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, errors.New("provider down")
	}
	p.n++
	id := fmt.Sprintf("conv-%d", p.n)
	return &conversation.Conversation{ID: id, URL: "https://join.example/" + id, ReplicaID: req.ReplicaID, Status: "active"}, nil
}

func (p *stubProvider) EndConversation(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, id)
	return nil
}

// fakeAuth stands in for JWTAuth.
func fakeAuth(role models.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{Code: "UNAUTHORIZED", Message: "missing bearer token"})
			return
		}
		p := models.Principal{UserID: "u1", Role: role}
		c.Set(middleware.CtxUserID, p.UserID)
		c.Set(middleware.CtxRole, string(p.Role))
		c.Set(middleware.CtxPrincipal, p)
		c.Next()
	}
}

type testServer struct {
	engine   *gin.Engine
	store    *memory.SessionRepo
	provider *stubProvider
	svc      services.SessionCoordinator
}

func newTestServer(t *testing.T, role models.UserRole) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{store: memory.NewSessionRepo(), provider: &stubProvider{}}
	ts.svc = services.NewSessionCoordinator(services.CoordinatorDeps{
		Store:    ts.store,
		Provider: ts.provider,
		Logger:   logger.Discard(),
	}, services.CoordinatorOptions{DefaultReplicaID: "rdefault01"})

	ws := NewWSHandler(ts.svc, nil, logger.Discard())
	ws.Wait = 300 * time.Millisecond
	ws.PollInterval = 20 * time.Millisecond

	sessions := NewSessionHandler(ts.svc)
	ts.engine = gin.New()
	ts.engine.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	auth := ts.engine.Group("/", fakeAuth(role))
	auth.POST("/sessions", sessions.GetOrCreate)
	auth.GET("/demos/:demo_id/session", sessions.GetActive)
	auth.POST("/sessions/:conversation_id/end", sessions.End)
	auth.GET("/admin/sessions/active", middleware.RequireAdmin(), sessions.ListActive)
	auth.GET("/ws/demos/:demo_id/session", ws.SessionReady)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer test")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func createBody(demoID string) map[string]any {
	return map[string]any{
		"demo_id": demoID,
		"demo_spec": map[string]any{
			"title":          "Acme Anvils",
			"videos":         []map[string]any{{"id": "v1", "title": "Intro"}},
			"knowledge_base": "Anvils, mostly.",
		},
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestPing(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestCreateSessionFlattensDescriptor(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)

	w := ts.do(t, http.MethodPost, "/sessions", createBody("d1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "conv-1", body["conversation_id"])
	assert.Equal(t, "https://join.example/conv-1", body["conversation_url"])
	assert.Equal(t, false, body["is_mock"])
	assert.Equal(t, false, body["reused"])
	assert.Equal(t, "active", body["status"])

	w = ts.do(t, http.MethodPost, "/sessions", createBody("d1"))
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "conv-1", body["conversation_id"])
	assert.Equal(t, true, body["reused"])
}

func TestCreateSessionMockIsStill200(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)
	ts.provider.fail = true

	w := ts.do(t, http.MethodPost, "/sessions", createBody("d2"))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["is_mock"])
	assert.NotEmpty(t, body["warning"])
	assert.Empty(t, ts.store.All())
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)

	w := ts.do(t, http.MethodPost, "/sessions", map[string]any{"demo_id": "d1", "demo_spec": map[string]any{"title": "x"}})
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "INVALID_ARGUMENT", body["code"])
	assert.ElementsMatch(t, []any{"videos", "knowledge_base"}, body["fields"])
}

func TestCreateSessionMalformedBody(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer test")
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)
	req := httptest.NewRequest(http.MethodGet, "/demos/d1/session", nil)
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetActiveSession(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)

	w := ts.do(t, http.MethodGet, "/demos/d1/session", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["code"])

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/sessions", createBody("d1")).Code)

	w = ts.do(t, http.MethodGet, "/demos/d1/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "conv-1", decode(t, w)["conversation_id"])
	assert.Equal(t, 1, ts.provider.n)
}

func TestEndSession(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/sessions", createBody("d1")).Code)

	w := ts.do(t, http.MethodPost, "/sessions/conv-1/end", map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	session := decode(t, w)["session"].(map[string]any)
	assert.Equal(t, "completed", session["status"])
	assert.Equal(t, false, session["is_active"])

	w = ts.do(t, http.MethodPost, "/sessions/conv-1/end", map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/sessions/nope/end", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/sessions/conv-1/end", map[string]any{"status": "active"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminListActive(t *testing.T) {
	user := newTestServer(t, models.RoleUser)
	assert.Equal(t, http.StatusForbidden, user.do(t, http.MethodGet, "/admin/sessions/active", nil).Code)

	admin := newTestServer(t, models.RoleAdmin)
	w := admin.do(t, http.MethodGet, "/admin/sessions/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"count":0,"sessions":[]}`, w.Body.String())

	require.Equal(t, http.StatusOK, admin.do(t, http.MethodPost, "/sessions", createBody("d1")).Code)
	w = admin.do(t, http.MethodGet, "/admin/sessions/active", nil)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])
}
