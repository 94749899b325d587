package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/demoforge/internal/logger"
	"github.com/yoockh/demoforge/internal/models"
)

type chanSubscriber struct {
	ch chan *models.SessionDescriptor
}

func (s *chanSubscriber) SubscribeSessionReady(context.Context, string) (<-chan *models.SessionDescriptor, func() error) {
	return s.ch, func() error { return nil }
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer test"}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) wsServerMsg {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wsServerMsg
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSessionReadyImmediate(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/sessions", createBody("d1")).Code)

	srv := httptest.NewServer(ts.engine)
	defer srv.Close()

	msg := readMsg(t, dial(t, srv, "/ws/demos/d1/session"))
	assert.Equal(t, "session_ready", msg.Type)
	require.NotNil(t, msg.Session)
	assert.Equal(t, "conv-1", msg.Session.ConversationID)
}

func TestSessionReadyPollsStore(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)
	srv := httptest.NewServer(ts.engine)
	defer srv.Close()

	conn := dial(t, srv, "/ws/demos/d1/session")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = ts.svc.GetOrCreate(context.Background(), "d1", models.DemoSpec{
			Title: "Acme", Videos: []models.DemoVideo{}, KnowledgeBase: "kb",
		})
	}()

	msg := readMsg(t, conn)
	assert.Equal(t, "session_ready", msg.Type)
	assert.Equal(t, "conv-1", msg.Session.ConversationID)
}

func TestSessionReadyTimesOut(t *testing.T) {
	ts := newTestServer(t, models.RoleUser)
	srv := httptest.NewServer(ts.engine)
	defer srv.Close()

	msg := readMsg(t, dial(t, srv, "/ws/demos/d1/session"))
	assert.Equal(t, "timeout", msg.Type)
}

func TestSessionReadyFromEvent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts := newTestServer(t, models.RoleUser)
	sub := &chanSubscriber{ch: make(chan *models.SessionDescriptor, 2)}

	ws := NewWSHandler(ts.svc, sub, logger.Discard())
	ws.Wait = 2 * time.Second
	ws.PollInterval = time.Hour
	r := gin.New()
	r.Use(fakeAuth(models.RoleUser))
	r.GET("/ws/demos/:demo_id/session", ws.SessionReady)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dial(t, srv, "/ws/demos/d1/session")
	sub.ch <- &models.SessionDescriptor{DemoID: "d1", ConversationID: "c-mock", IsMock: true}
	sub.ch <- &models.SessionDescriptor{DemoID: "d1", ConversationID: "c-real"}

	msg := readMsg(t, conn)
	assert.Equal(t, "session_ready", msg.Type)
	assert.Equal(t, "c-real", msg.Session.ConversationID)
}
