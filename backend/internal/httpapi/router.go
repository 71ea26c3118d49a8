package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paramsync/backend/internal/authservice"
	"paramsync/backend/internal/cache"
	"paramsync/backend/internal/history"
	"paramsync/backend/internal/httpapi/handlers"
	"paramsync/backend/internal/session"
)

// Deps 路由依赖，在 serve 命令中组装
type Deps struct {
	Registry *session.Registry
	History  history.Log
	Conns    handlers.ConnCloser
	Presence cache.PresenceCache
	Issuer   *authservice.Issuer
	// WebSocket 连接入口，路由参数为 :sessionId
	WebSocket gin.HandlerFunc
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	sessions := handlers.NewSessionHandler(d.Registry, d.Conns, d.Presence, d.Logger)
	hist := handlers.NewHistoryHandler(d.History, d.Logger)
	auth := handlers.NewAuthHandler(d.Issuer, d.Logger)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", sessions.Create)
		v1.GET("/sessions", sessions.List)
		v1.GET("/sessions/:id", sessions.Get)
		v1.DELETE("/sessions/:id", sessions.Delete)
		v1.GET("/sessions/:id/presence", sessions.Presence)

		v1.GET("/history/:id", hist.Range)
		v1.GET("/history/:id/full", hist.Full)
		v1.DELETE("/history/:id", hist.Delete)

		v1.POST("/auth/anonymous", auth.Anonymous)
		v1.POST("/auth/refresh", auth.Refresh)
		v1.GET("/auth/me", auth.Me)

		if d.WebSocket != nil {
			v1.GET("/session/connect/:sessionId", d.WebSocket)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": d.Registry.Len()})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}
