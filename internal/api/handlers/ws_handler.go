package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/demoforge/internal/events"
	"github.com/yoockh/demoforge/internal/models"
	"github.com/yoockh/demoforge/internal/services"
	"github.com/yoockh/demoforge/internal/utils"
)

const (
	DefaultReadyWait    = 60 * time.Second
	DefaultPollInterval = time.Second
)

// WSHandler lets a caller that got CONFLICT wait for the winning session
// instead of polling POST /sessions.
type WSHandler struct {
	sessions services.SessionCoordinator
	events   events.Subscriber // nil falls back to polling the store
	log      *logrus.Logger
	upgrader websocket.Upgrader

	Wait         time.Duration
	PollInterval time.Duration
}

// NewWSHandler accepts upgrades from any origin when origins is empty.
func NewWSHandler(sessions services.SessionCoordinator, sub events.Subscriber, l *logrus.Logger, origins ...string) *WSHandler {
	if l == nil {
		l = logrus.New()
	}
	return &WSHandler{
		sessions: sessions,
		events:   sub,
		log:      l,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return len(origins) == 0 || slices.Contains(origins, r.Header.Get("Origin"))
			},
		},
		Wait:         DefaultReadyWait,
		PollInterval: DefaultPollInterval,
	}
}

type wsServerMsg struct {
	Type    string                    `json:"type"` // session_ready | timeout | error
	Session *models.SessionDescriptor `json:"session,omitempty"`
	Code    utils.Code                `json:"code,omitempty"`
	Message string                    `json:"message,omitempty"`
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) close(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	_ = w.c.Close()
}

func (h *WSHandler) SessionReady(c *gin.Context) {
	const op = "WSHandler.SessionReady"

	if _, ok := requireUserID(c); !ok {
		return
	}
	demoID := c.Param("demo_id")
	if demoID == "" {
		writeError(c, utils.Invalid(op, "demo_id"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.Wait)
	defer cancel()

	// subscribe before the first lookup so a session stored in between is not missed
	var ready <-chan *models.SessionDescriptor
	if h.events != nil {
		ch, unsubscribe := h.events.SubscribeSessionReady(ctx, demoID)
		defer func() { _ = unsubscribe() }()
		ready = ch
	}

	current, err := h.lookup(ctx, demoID)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	wc := &wsConn{c: conn}
	log := h.log.WithFields(logrus.Fields{"op": op, "demo_id": demoID})

	if current != nil {
		_ = wc.writeJSON(wsServerMsg{Type: "session_ready", Session: current})
		wc.close("session ready")
		return
	}

	// reader only drains control frames and notices the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	d, err := h.waitForSession(ctx, demoID, ready)
	switch {
	case d != nil:
		_ = wc.writeJSON(wsServerMsg{Type: "session_ready", Session: d})
		wc.close("session ready")
	case err != nil:
		log.WithError(err).Warn("waiting for session failed")
		_ = wc.writeJSON(wsServerMsg{Type: "error", Code: utils.CodeUnavailable, Message: "session store unavailable"})
		wc.close("error")
	default:
		_ = wc.writeJSON(wsServerMsg{Type: "timeout", Code: utils.CodeTimeout, Message: "no session became ready"})
		wc.close("timeout")
	}
}

// lookup returns nil, nil when the demo has no active session yet.
func (h *WSHandler) lookup(ctx context.Context, demoID string) (*models.SessionDescriptor, error) {
	d, err := h.sessions.GetActive(ctx, demoID)
	if utils.IsCode(err, utils.CodeNotFound) {
		return nil, nil
	}
	return d, err
}

func (h *WSHandler) waitForSession(ctx context.Context, demoID string, ready <-chan *models.SessionDescriptor) (*models.SessionDescriptor, error) {
	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case d, ok := <-ready:
			if !ok {
				ready = nil
				continue
			}
			if d != nil && !d.IsMock {
				return d, nil
			}
		case <-ticker.C:
			d, err := h.lookup(ctx, demoID)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil
				}
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}
	}
}
