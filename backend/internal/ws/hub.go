package ws

import (
	"log/slog"
	"sync"

	"paramsync/backend/internal/observability"
	"paramsync/backend/internal/protocol"
)

// Hub 连接表与会话房间。
// 房间里按连接存而不是按 userId：一个用户可以有多个标签页，广播要逐连接发。
// Broadcast/SendTo 只做非阻塞入队，可以在会话临界区内调用。
type Hub struct {
	mu sync.RWMutex
	// connID -> 连接（已握手，未必已加入会话）
	conns map[string]*Conn
	// sessionID -> connID -> 连接
	rooms map[string]map[string]*Conn
	// connID -> sessionID
	joined map[string]string

	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewHub(metrics *observability.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:   make(map[string]*Conn),
		rooms:   make(map[string]map[string]*Conn),
		joined:  make(map[string]string),
		metrics: metrics,
		logger:  logger.With("component", "hub"),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// Unregister 移除连接及其房间成员关系
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	if sid, ok := h.joined[c.id]; ok {
		h.leaveLocked(sid, c.id)
	}
}

// Attach 将连接加入会话房间
func (h *Hub) Attach(sessionID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.conns[connID]
	if c == nil || c.Dead() {
		return false
	}
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[string]*Conn)
	}
	h.rooms[sessionID][connID] = c
	h.joined[connID] = sessionID
	return true
}

// Detach 将连接从会话房间移除
func (h *Hub) Detach(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID, connID)
}

func (h *Hub) leaveLocked(sessionID, connID string) {
	if conns, ok := h.rooms[sessionID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	if h.joined[connID] == sessionID {
		delete(h.joined, connID)
	}
}

// Broadcast 尽力发送。某个连接入队失败只标记它死亡并异步关闭，
// 不影响其余连接。
func (h *Hub) Broadcast(sessionID string, msg protocol.Outbound, exceptConnID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.rooms[sessionID] {
		if id == exceptConnID {
			continue
		}
		h.deliver(c, msg)
	}
}

func (h *Hub) SendTo(sessionID string, msg protocol.Outbound, connIDs ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[sessionID]
	for _, id := range connIDs {
		if c := room[id]; c != nil {
			h.deliver(c, msg)
		}
	}
}

func (h *Hub) deliver(c *Conn, msg protocol.Outbound) {
	if c.Enqueue(msg) {
		return
	}
	h.metrics.Dropped()
	if c.markDead() {
		h.logger.Warn("send queue unavailable, closing connection", "conn", c.id, "type", msg.MessageType())
		// 关闭 socket 后 readLoop 退出，走正常的注销流程
		go c.kill()
	}
}

// CloseSession 关闭会话内所有连接，返回关闭数量。
// 每个连接先收到 authFailed{session_closed}，客户端据此停止重连；
// writeLoop 发完队列后再关闭 socket。
func (h *Hub) CloseSession(sessionID string) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[sessionID]))
	for _, c := range h.rooms[sessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		queued := c.Enqueue(protocol.AuthFailedMessage{
			Type:   protocol.TypeAuthFailed,
			Reason: protocol.ReasonSessionClosed,
		})
		c.markDead()
		c.finish()
		if !queued {
			go c.kill()
		}
	}
	return len(conns)
}

// CloseAll 关闭全部连接，用于进程退出
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.markDead()
		c.kill()
	}
	return len(conns)
}

func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
