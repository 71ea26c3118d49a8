package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"paramsync/backend/internal/authservice"
	"paramsync/backend/internal/cache"
	"paramsync/backend/internal/collab"
	"paramsync/backend/internal/observability"
	"paramsync/backend/internal/protocol"
	"paramsync/backend/internal/session"
)

// TokenVerifier 校验 auth 消息里的 token
type TokenVerifier interface {
	Verify(token string) (*authservice.Claims, error)
}

type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PresenceTTL  time.Duration
	SendBuffer   int
	// 每连接每秒消息数与突发
	MessageRate  float64
	MessageBurst int
	// Origin 前缀白名单；空 Origin 或 "null" 总是放行
	AllowedOrigins []string
	AllowAnonymous bool

	Auth     TokenVerifier
	Presence cache.PresenceCache
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Manager struct {
	h        *Hub
	engine   *collab.Engine
	sem      *collab.SemaphoreControl
	opt      Options
	upgrader websocket.Upgrader
	presence cache.PresenceCache
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewManager(h *Hub, engine *collab.Engine, sem *collab.SemaphoreControl, opt Options) *Manager {
	if opt.ReadTimeout <= 0 {
		opt.ReadTimeout = 60 * time.Second
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 10 * time.Second
	}
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = 90 * time.Second
	}
	if opt.MessageRate <= 0 {
		opt.MessageRate = 50
	}
	if opt.MessageBurst <= 0 {
		opt.MessageBurst = 100
	}
	if len(opt.AllowedOrigins) == 0 {
		opt.AllowedOrigins = defaultOrigins
	}
	if opt.Presence == nil {
		opt.Presence = cache.NopPresence{}
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if sem == nil {
		sem = collab.NewSemaphoreControl(collab.DefaultMaxInFlight)
	}
	m := &Manager{
		h:        h,
		engine:   engine,
		sem:      sem,
		opt:      opt,
		presence: opt.Presence,
		metrics:  opt.Metrics,
		logger:   opt.Logger.With("component", "ws"),
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect GET /ws/:sessionId
// 握手后先等待 auth 消息，鉴权通过才加入会话
func (m *Manager) WebSocketConnect(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sessionId"})
		return
	}

	wsc, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}

	conn := newConn(uuid.NewString(), wsc, m, sessionID, m.opt.SendBuffer)
	m.h.Register(conn)
	m.metrics.ConnOpened()
	defer m.release(conn)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go conn.writeLoop()
	// 读循环阻塞至连接关闭；不使用请求的 ctx，关停由 socket 关闭驱动
	conn.readLoop(context.Background())
}

// release 连接退出：离开会话、注销、更新在线状态
func (m *Manager) release(c *Conn) {
	if c.participant != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if m.engine.Leave(ctx, c.sessionID, *c.participant) {
			if err := m.presence.RemoveMember(ctx, c.sessionID, c.participant.User.ID); err != nil {
				c.log.Warn("remove presence", "err", err)
			}
		}
	}
	m.h.Unregister(c)
	m.metrics.ConnClosed()
}

// identify 将 auth 消息转换为会话用户。
// 空 token 且允许匿名时分配匿名身份
func (m *Manager) identify(a protocol.Auth) (session.User, error) {
	var (
		userID, name string
		anonymous    bool
	)
	switch {
	case a.Token == "" && m.opt.AllowAnonymous:
		userID = authservice.NewAnonymousID()
		anonymous = true
	case a.Token == "" || m.opt.Auth == nil:
		return session.User{}, authservice.ErrInvalidToken
	default:
		claims, err := m.opt.Auth.Verify(a.Token)
		if err != nil {
			return session.User{}, err
		}
		userID, name, anonymous = claims.Subject, claims.Username, claims.Anonymous
	}

	if a.DisplayName != "" {
		name = a.DisplayName
	}
	if name == "" {
		name = authservice.AnonymousName(userID)
	}
	color := a.Color
	if color == "" {
		color = authservice.UserColor
		if anonymous {
			color = authservice.AnonymousColor
		}
	}
	return session.User{ID: userID, Name: name, Color: color}, nil
}
