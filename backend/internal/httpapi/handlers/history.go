package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"paramsync/backend/internal/history"
)

type HistoryHandler struct {
	log    history.Log
	sf     singleflight.Group
	logger *slog.Logger
}

func NewHistoryHandler(log history.Log, logger *slog.Logger) *HistoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryHandler{log: log, logger: logger}
}

// HistoryResponse 按 seq 升序
type HistoryResponse struct {
	SessionID  string          `json:"sessionId"`
	Events     []history.Event `json:"events"`
	TotalCount int             `json:"totalCount"`
}

func newHistoryResponse(sessionID string, evts []history.Event) HistoryResponse {
	if evts == nil {
		evts = []history.Event{}
	}
	return HistoryResponse{SessionID: sessionID, Events: evts, TotalCount: len(evts)}
}

// Full GET /history/:id/full
// 同一会话的并发请求合并为一次后端读取
func (h *HistoryHandler) Full(c *gin.Context) {
	id := c.Param("id")
	// 共享读取不随单个请求取消
	ctx := context.WithoutCancel(c.Request.Context())
	v, err, _ := h.sf.Do(id, func() (interface{}, error) {
		return h.log.ReadAll(ctx, id)
	})
	if err != nil {
		h.logger.Warn("read history", "session", id, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, newHistoryResponse(id, v.([]history.Event)))
}

// Range GET /history/:id?startSeq=&endSeq=
// endSeq 缺省、为 0 或负数时不设上限
func (h *HistoryHandler) Range(c *gin.Context) {
	id := c.Param("id")
	from, err := parseSeq(c.DefaultQuery("startSeq", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid startSeq"})
		return
	}
	to, err := parseSeq(c.DefaultQuery("endSeq", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endSeq"})
		return
	}
	if to != 0 && to < from {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endSeq before startSeq"})
		return
	}
	evts, err := h.log.ReadRange(c.Request.Context(), id, from, to)
	if err != nil {
		h.logger.Warn("read history range", "session", id, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, newHistoryResponse(id, evts))
}

// Delete DELETE /history/:id
func (h *HistoryHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.log.Delete(c.Request.Context(), id); err != nil {
		h.logger.Warn("delete history", "session", id, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history unavailable"})
		return
	}
	h.logger.Info("history deleted", "session", id)
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "sessionId": id})
}

func parseSeq(s string) (uint64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, nil
	}
	return uint64(n), nil
}
