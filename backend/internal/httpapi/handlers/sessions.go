package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"paramsync/backend/internal/cache"
	"paramsync/backend/internal/session"
)

// JoinPath websocket 连接路径前缀，POST /sessions 的 joinUrl 由它拼出
const JoinPath = "/api/v1/session/connect/"

// ConnCloser 关闭某会话的所有连接
type ConnCloser interface {
	CloseSession(sessionID string) int
}

type SessionHandler struct {
	registry *session.Registry
	conns    ConnCloser
	presence cache.PresenceCache
	logger   *slog.Logger
}

func NewSessionHandler(registry *session.Registry, conns ConnCloser, presence cache.PresenceCache, logger *slog.Logger) *SessionHandler {
	if presence == nil {
		presence = cache.NopPresence{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{registry: registry, conns: conns, presence: presence, logger: logger}
}

type createSessionResp struct {
	SessionID string    `json:"sessionId"`
	JoinURL   string    `json:"joinUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// Create POST /sessions
func (h *SessionHandler) Create(c *gin.Context) {
	s := h.registry.Create()
	var createdAt time.Time
	s.Do(func(st *session.State) { createdAt = st.CreatedAt })
	h.logger.Info("session created", "session", s.ID())
	c.JSON(http.StatusCreated, createSessionResp{
		SessionID: s.ID(),
		JoinURL:   JoinPath + s.ID(),
		CreatedAt: createdAt,
	})
}

// List GET /sessions
func (h *SessionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}

// Get GET /sessions/:id，附带在线用户
func (h *SessionHandler) Get(c *gin.Context) {
	s, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	var sum session.Summary
	alive := s.Do(func(st *session.State) {
		sum = st.Summary()
		sum.Users = st.UserList()
	})
	if !alive {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Delete DELETE /sessions/:id，断开会话内所有连接；历史保留
func (h *SessionHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if !h.registry.Delete(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	closed := 0
	if h.conns != nil {
		closed = h.conns.CloseSession(id)
	}
	h.logger.Info("session deleted", "session", id, "closedConns", closed)
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "sessionId": id, "closedConnections": closed})
}

// Presence GET /sessions/:id/presence，读 redis 中心跳未过期的成员
func (h *SessionHandler) Presence(c *gin.Context) {
	id := c.Param("id")
	members, err := h.presence.GetAliveMembers(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("read presence", "session", id, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "members": members})
}
