package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/demoforge/internal/models"
	"github.com/yoockh/demoforge/internal/services"
	"github.com/yoockh/demoforge/internal/utils"
)

type SessionHandler struct {
	svc services.SessionCoordinator
}

func NewSessionHandler(svc services.SessionCoordinator) *SessionHandler {
	return &SessionHandler{svc: svc}
}

type CreateSessionRequest struct {
	DemoID   string          `json:"demo_id"`
	DemoSpec models.DemoSpec `json:"demo_spec"`
}

type EndSessionRequest struct {
	Status models.SessionStatus `json:"status"`
}

// SessionResponse flattens the descriptor next to the success flag.
type SessionResponse struct {
	Success bool `json:"success"`
	*models.SessionDescriptor
}

type EndSessionResponse struct {
	Success bool            `json:"success"`
	Session *models.Session `json:"session"`
}

type ActiveSessionsResponse struct {
	Success  bool             `json:"success"`
	Count    int              `json:"count"`
	Sessions []models.Session `json:"sessions"`
}

// GetOrCreate answers 200 for both real and mock sessions; callers check is_mock.
func (h *SessionHandler) GetOrCreate(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.GetOrCreate", "invalid request body", err))
		return
	}

	d, err := h.svc.GetOrCreate(c.Request.Context(), req.DemoID, req.DemoSpec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Success: true, SessionDescriptor: d})
}

func (h *SessionHandler) GetActive(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}

	d, err := h.svc.GetActive(c.Request.Context(), c.Param("demo_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Success: true, SessionDescriptor: d})
}

func (h *SessionHandler) End(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}

	// an empty body means completed
	var req EndSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.End", "invalid request body", err))
			return
		}
	}
	if req.Status == "" {
		req.Status = models.StatusCompleted
	}

	sess, err := h.svc.End(c.Request.Context(), c.Param("conversation_id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, EndSessionResponse{Success: true, Session: sess})
}

// ListActive is admin only.
func (h *SessionHandler) ListActive(c *gin.Context) {
	rows, err := h.svc.ListActive(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if rows == nil {
		rows = []models.Session{}
	}
	c.JSON(http.StatusOK, ActiveSessionsResponse{Success: true, Count: len(rows), Sessions: rows})
}
