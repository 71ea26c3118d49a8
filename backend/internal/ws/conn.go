package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"paramsync/backend/internal/collab"
	"paramsync/backend/internal/protocol"
)

const (
	maxMessageSize   = 8 << 10
	opTimeout        = 200 * time.Millisecond
	presenceTimeout  = time.Second
	defaultSendQueue = 64
)

// Conn 一个 websocket 连接。
// readLoop 所在 goroutine 独占 participant / limiter；
// send 通道由 writeLoop 消费，Enqueue 可被任意 goroutine 调用。
type Conn struct {
	id        string
	ws        *websocket.Conn
	m         *Manager
	sessionID string

	mu     sync.Mutex
	send   chan protocol.Outbound
	closed bool

	dead      atomic.Bool
	closeOnce sync.Once

	participant *collab.Participant
	limiter     *rate.Limiter
	log         *slog.Logger
}

func newConn(id string, ws *websocket.Conn, m *Manager, sessionID string, sendQueue int) *Conn {
	if sendQueue <= 0 {
		sendQueue = defaultSendQueue
	}
	c := &Conn{
		id:        id,
		ws:        ws,
		m:         m,
		sessionID: sessionID,
		send:      make(chan protocol.Outbound, sendQueue),
		limiter:   rate.NewLimiter(rate.Inf, 0),
		log:       slog.Default(),
	}
	if m != nil {
		c.limiter = rate.NewLimiter(rate.Limit(m.opt.MessageRate), m.opt.MessageBurst)
		c.log = m.logger
	}
	c.log = c.log.With("conn", id, "session", sessionID)
	return c
}

func (c *Conn) ID() string { return c.id }

// Enqueue 非阻塞入队；队列满、连接已关闭或已死亡时返回 false
func (c *Conn) Enqueue(msg protocol.Outbound) bool {
	if c.dead.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) Dead() bool { return c.dead.Load() }

// markDead 首次标记时返回 true
func (c *Conn) markDead() bool { return c.dead.CompareAndSwap(false, true) }

// kill 关闭底层 socket，读写循环随之退出
func (c *Conn) kill() {
	c.closeOnce.Do(func() {
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// finish 关闭发送队列，writeLoop 发完剩余消息后退出
func (c *Conn) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) reject(w protocol.Write, reason string) {
	c.m.metrics.Rejected(reason)
	c.Enqueue(protocol.RejectedMessage{
		Type:      protocol.TypeRejected,
		Param:     string(w.Param),
		Value:     w.Value,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.finish()
	c.ws.SetReadLimit(maxMessageSize)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.m.opt.ReadTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("read failed", "err", err)
			}
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reject(protocol.Write{}, protocol.ReasonMalformed)
			continue
		}
		in, err := msg.Decode()
		if err != nil {
			c.log.Debug("bad message", "type", msg.Type, "err", err)
			c.reject(protocol.Write{}, protocol.ReasonMalformed)
			continue
		}
		if !c.dispatch(ctx, in) {
			return
		}
	}
}

// dispatch 单一入口分发；返回 false 时关闭连接
func (c *Conn) dispatch(ctx context.Context, in protocol.Inbound) bool {
	switch m := in.(type) {
	case protocol.Ping:
		c.Enqueue(protocol.PongMessage{Type: protocol.TypePong, Timestamp: time.Now().UTC()})
		c.touchPresence(ctx)
		return true
	case protocol.Auth:
		return c.handleAuth(ctx, m)
	}

	if c.participant == nil {
		c.Enqueue(protocol.AuthFailedMessage{Type: protocol.TypeAuthFailed, Reason: protocol.ReasonNotAuthenticated})
		return false
	}

	var err error
	switch m := in.(type) {
	case protocol.ProposeWrite:
		for _, w := range m.Writes {
			if err = c.handlePropose(ctx, w); err != nil {
				break
			}
		}
	case protocol.Resolve:
		err = c.handleResolve(ctx, m)
	case protocol.Resync:
		err = c.m.engine.Resync(ctx, c.sessionID, *c.participant, m.LastSeenSeq)
	}
	return c.keepAlive(err)
}

// keepAlive 会话已被删除或成员关系丢失时关闭连接，其他错误只记录
func (c *Conn) keepAlive(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, collab.ErrSessionNotFound) || errors.Is(err, collab.ErrNotJoined) {
		c.reject(protocol.Write{}, protocol.ReasonSessionClosed)
		return false
	}
	c.log.Warn("operation failed", "err", err)
	return true
}

func (c *Conn) handleAuth(ctx context.Context, a protocol.Auth) bool {
	if c.participant != nil {
		c.reject(protocol.Write{}, protocol.ReasonMalformed)
		return true
	}
	user, err := c.m.identify(a)
	if err != nil {
		c.log.Info("auth failed", "err", err)
		c.Enqueue(protocol.AuthFailedMessage{Type: protocol.TypeAuthFailed, Reason: protocol.ReasonInvalidToken})
		return false
	}
	p := collab.Participant{ConnID: c.id, User: user}
	if _, err := c.m.engine.Join(ctx, c.sessionID, p); err != nil {
		c.log.Warn("join failed", "err", err)
		reason := protocol.ReasonSessionClosed
		if errors.Is(err, collab.ErrHistoryUnavailable) {
			// 暂时性故障，客户端按退避重连
			reason = protocol.ReasonUnavailable
		}
		c.Enqueue(protocol.AuthFailedMessage{Type: protocol.TypeAuthFailed, Reason: reason})
		return false
	}
	c.participant = &p
	c.log = c.log.With("user", user.ID)
	c.touchPresence(ctx)
	return true
}

func (c *Conn) handlePropose(ctx context.Context, w protocol.Write) error {
	if !c.admit(ctx, w) {
		return nil
	}
	defer c.m.sem.Release()
	_, err := c.m.engine.Propose(ctx, c.sessionID, *c.participant, w)
	return err
}

func (c *Conn) handleResolve(ctx context.Context, r protocol.Resolve) error {
	if !c.admit(ctx, protocol.Write{Param: r.Param, Value: r.Value}) {
		return nil
	}
	defer c.m.sem.Release()
	_, err := c.m.engine.Resolve(ctx, c.sessionID, *c.participant, r)
	return err
}

// admit 限流并获取信号量；返回 true 时调用方负责 Release
func (c *Conn) admit(ctx context.Context, w protocol.Write) bool {
	if !c.limiter.Allow() {
		c.reject(w, protocol.ReasonRateLimited)
		return false
	}
	actx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.m.sem.Acquire(actx); err != nil {
		c.reject(w, protocol.ReasonBusy)
		return false
	}
	return true
}

func (c *Conn) touchPresence(ctx context.Context) {
	if c.participant == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	u := c.participant.User
	if err := c.m.presence.AddMember(pctx, c.sessionID, u.ID, u.Name, c.m.opt.PresenceTTL); err != nil {
		c.log.Warn("update presence", "err", err)
	}
}

func (c *Conn) writeLoop() {
	defer c.kill()
	// 持续消费通道中的消息，通道关闭后发送 close 帧
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.m.opt.WriteTimeout))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.log.Info("write failed", "type", msg.MessageType(), "err", err)
			c.markDead()
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.m.opt.WriteTimeout))
}
