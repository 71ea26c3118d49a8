package client

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"paramsync/backend/internal/params"
	"paramsync/backend/internal/protocol"
	"paramsync/backend/internal/session"
)

type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingAuth
	Synchronized
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingAuth:
		return "awaiting-auth"
	case Synchronized:
		return "synchronized"
	case Degraded:
		return "degraded"
	}
	return "unknown"
}

// Origin 每次本地应用的更新都带来源；只有 OriginLocal 会安排写入
type Origin int

const (
	OriginLocal Origin = iota + 1
	OriginRemote
	// OriginResolution 冲突解决值，直接随 resolve 发送
	OriginResolution
)

var (
	ErrConflictPending = errors.New("client: parameter has an unresolved conflict")
	ErrNoConflict      = errors.New("client: no conflict for parameter")
	ErrAlreadyStarted  = errors.New("client: already started")
	ErrNotConnected    = errors.New("client: not connected")
)

type EventKind int

const (
	EventState EventKind = iota + 1
	EventParams
	EventUsers
	EventConflict
	EventRejected
	EventAuthFailed
	EventReconnecting
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventParams:
		return "params"
	case EventUsers:
		return "users"
	case EventConflict:
		return "conflict"
	case EventRejected:
		return "rejected"
	case EventAuthFailed:
		return "authFailed"
	case EventReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Event 通知给界面层；在锁外按产生顺序回调
type Event struct {
	Kind     EventKind
	State    State
	Params   params.Params
	Origin   Origin
	Users    []session.User
	Conflict *protocol.ConflictMessage
	Rejected *protocol.RejectedMessage
	Reason   string
	Attempt  int
	Delay    time.Duration
}

type Options struct {
	Token       string
	DisplayName string
	Color       string

	Debounce          time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	InitialDelay      time.Duration
	MaxReconnectDelay time.Duration
	// Jitter 叠加在退避时间上，默认 [0, 1s) 均匀分布
	Jitter func() time.Duration

	Clock   Clock
	OnEvent func(Event)
	Logger  *slog.Logger
}

func (o *Options) withDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 300 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 10 * time.Second
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 30 * time.Second
	}
	if o.Jitter == nil {
		o.Jitter = func() time.Duration { return rand.N(time.Second) }
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// unconfirmed 已发出（或离线时待发）但还没看到服务端确认的写入
type unconfirmed struct {
	value   float64
	baseSeq uint64
}

type debounceEntry struct {
	timer Timer
}

// Client 单个会话连接的对账状态机。
// 所有状态在 mu 下修改；计时器回调和读 goroutine 通过 gen 识别过期的连接。
type Client struct {
	dialer  Dialer
	opt     Options
	clock   Clock
	log     *slog.Logger
	backoff *backoff.ExponentialBackOff

	mu     sync.Mutex
	state  State
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	tr     Transport

	userID     string
	sessionID  string
	attempt    int
	everSynced bool

	lastSeq       uint64
	resyncPending bool
	resyncBase    uint64

	confirmed   params.Params
	local       params.Params
	users       []session.User
	debounce    map[params.Name]*debounceEntry
	unconfirmed map[params.Name]unconfirmed
	conflicts   map[params.Name]protocol.ConflictMessage

	reconnectTimer Timer
	heartbeatTimer Timer
	pongTimer      Timer

	events []Event
	emitMu sync.Mutex
}

func New(dialer Dialer, opt Options) *Client {
	opt.withDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval: opt.InitialDelay,
		// 抖动单独叠加
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         opt.MaxReconnectDelay,
		MaxElapsedTime:      0,
		Clock:               opt.Clock,
	}
	b.Reset()
	return &Client{
		dialer:      dialer,
		opt:         opt,
		clock:       opt.Clock,
		log:         opt.Logger.With("component", "client"),
		backoff:     b,
		confirmed:   params.Default(),
		local:       params.Default(),
		debounce:    make(map[params.Name]*debounceEntry),
		unconfirmed: make(map[params.Name]unconfirmed),
		conflicts:   make(map[params.Name]protocol.ConflictMessage),
	}
}

// unlock 释放锁并派发临界区内积累的事件
func (c *Client) unlock() {
	evts := c.events
	c.events = nil
	c.mu.Unlock()
	if c.opt.OnEvent == nil || len(evts) == 0 {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	for _, e := range evts {
		c.opt.OnEvent(e)
	}
}

func (c *Client) emitLocked(e Event) { c.events = append(c.events, e) }

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("state", "from", c.state, "to", s)
	c.state = s
	c.emitLocked(Event{Kind: EventState, State: s, Attempt: c.attempt})
}

// Connect 开始连接；之后的断线重连由状态机自己处理
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.unlock()
		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.backoff.Reset()
	c.attempt = 0
	c.gen++
	gen := c.gen
	c.setStateLocked(Connecting)
	c.unlock()

	c.dial(gen)
	return nil
}

// Close 主动离开：停止所有计时器，不再重连
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state == Disconnected {
		return nil
	}
	c.shutdownLocked()
	for name := range c.debounce {
		c.stopDebounceLocked(name)
	}
	return nil
}

// shutdownLocked 进入终态 disconnected
func (c *Client) shutdownLocked() {
	c.gen++
	c.stopTimersLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.closeTransportLocked()
	if c.cancel != nil {
		c.cancel()
	}
	c.setStateLocked(Disconnected)
}

func (c *Client) dial(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Connecting {
		c.unlock()
		return
	}
	ctx := c.ctx
	c.unlock()

	t, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	defer c.unlock()
	if c.gen != gen || c.state != Connecting {
		if t != nil {
			_ = t.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("dial failed", "attempt", c.attempt, "err", err)
		c.degradeLocked()
		return
	}
	c.tr = t
	if err := t.Send(protocol.NewAuth(c.opt.Token, c.opt.DisplayName, c.opt.Color)); err != nil {
		c.log.Warn("send auth failed", "err", err)
		c.degradeLocked()
		return
	}
	c.setStateLocked(AwaitingAuth)
	go c.readLoop(gen, t)
}

func (c *Client) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.Recv()
		if err != nil {
			c.onTransportError(gen, err)
			return
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.log.Warn("bad server message", "err", err)
			continue
		}
		c.handle(gen, msg)
	}
}

func (c *Client) onTransportError(gen uint64, err error) {
	c.mu.Lock()
	defer c.unlock()
	if c.gen != gen || (c.state != AwaitingAuth && c.state != Synchronized) {
		return
	}
	c.log.Info("connection lost", "err", err)
	c.degradeLocked()
}

// degradeLocked 丢弃当前连接并安排重连
func (c *Client) degradeLocked() {
	c.gen++
	c.stopTimersLocked()
	c.closeTransportLocked()
	c.setStateLocked(Degraded)

	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = c.opt.MaxReconnectDelay
	}
	delay += c.opt.Jitter()
	c.attempt++
	gen := c.gen
	c.emitLocked(Event{Kind: EventReconnecting, State: Degraded, Attempt: c.attempt, Delay: delay})
	c.log.Info("reconnect scheduled", "attempt", c.attempt, "delay", delay)
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Degraded {
		c.unlock()
		return
	}
	c.reconnectTimer = nil
	c.setStateLocked(Connecting)
	c.unlock()
	c.dial(gen)
}

func (c *Client) stopTimersLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

func (c *Client) closeTransportLocked() {
	if c.tr != nil {
		_ = c.tr.Close()
		c.tr = nil
	}
}

// sendLocked 发送失败视为连接已死
func (c *Client) sendLocked(msg protocol.ClientMessage) error {
	if c.tr == nil {
		return ErrNotConnected
	}
	if err := c.tr.Send(msg); err != nil {
		c.log.Warn("send failed", "type", msg.Type, "err", err)
		c.degradeLocked()
		return err
	}
	return nil
}

func (c *Client) handle(gen uint64, msg protocol.Outbound) {
	c.mu.Lock()
	defer c.unlock()
	if c.gen != gen {
		return
	}
	switch m := msg.(type) {
	case protocol.AuthSuccessMessage:
		c.onAuthSuccess(m)
	case protocol.AuthFailedMessage:
		c.onAuthFailed(m)
	case protocol.PongMessage:
		if c.pongTimer != nil {
			c.pongTimer.Stop()
			c.pongTimer = nil
		}
	}
	if c.state != Synchronized {
		return
	}
	switch m := msg.(type) {
	case protocol.ParamUpdateMessage:
		if c.accept(m.Seq) {
			c.applyUpdateLocked(m)
		}
	case protocol.JoinedMessage:
		if c.accept(m.Seq) {
			c.users = append(c.users, m.User)
			c.emitLocked(Event{Kind: EventUsers, Users: c.usersCopy()})
		}
	case protocol.LeftMessage:
		if c.accept(m.Seq) {
			kept := c.users[:0]
			for _, u := range c.users {
				if u.ID != m.UserID {
					kept = append(kept, u)
				}
			}
			c.users = kept
			c.emitLocked(Event{Kind: EventUsers, Users: c.usersCopy()})
		}
	case protocol.StateSyncMessage:
		c.onStateSync(m)
	case protocol.ConflictMessage:
		c.onConflict(m)
	case protocol.RejectedMessage:
		c.onRejected(m)
	}
}

// accept 只接受 lastSeq+1；跳号时请求一次 resync，本条不应用
func (c *Client) accept(seq uint64) bool {
	switch {
	case seq <= c.lastSeq:
		return false
	case seq == c.lastSeq+1 && !c.resyncPending:
		c.lastSeq = seq
		return true
	}
	c.requestResyncLocked(c.lastSeq)
	return false
}

func (c *Client) requestResyncLocked(lastSeen uint64) {
	if c.resyncPending {
		return
	}
	c.resyncPending = true
	c.resyncBase = lastSeen
	c.log.Info("resync requested", "lastSeenSeq", lastSeen)
	_ = c.sendLocked(protocol.NewResync(lastSeen))
}

func (c *Client) onAuthSuccess(m protocol.AuthSuccessMessage) {
	if c.state != AwaitingAuth {
		return
	}
	reconnected := c.everSynced
	c.everSynced = true
	c.userID = m.UserID
	c.sessionID = m.SessionID
	c.attempt = 0
	c.backoff.Reset()
	c.users = m.Users
	c.setStateLocked(Synchronized)
	c.startHeartbeatLocked()
	c.emitLocked(Event{Kind: EventUsers, Users: c.usersCopy()})

	if !reconnected {
		c.replaceLocked(m.Params, m.Seq)
		return
	}
	// 重连：以断线前的 seq 请求一次完整快照，由 stateSync 替换状态
	c.resyncPending = false
	c.requestResyncLocked(c.lastSeq)
}

func (c *Client) onAuthFailed(m protocol.AuthFailedMessage) {
	c.log.Warn("auth failed", "reason", m.Reason)
	if m.Reason == protocol.ReasonUnavailable && c.state == AwaitingAuth {
		// 服务端暂时不可用，凭据仍有效，按退避重连
		c.emitLocked(Event{Kind: EventAuthFailed, State: Degraded, Reason: m.Reason})
		c.degradeLocked()
		return
	}
	c.shutdownLocked()
	c.emitLocked(Event{Kind: EventAuthFailed, State: Disconnected, Reason: m.Reason})
}

func (c *Client) onStateSync(m protocol.StateSyncMessage) {
	if !c.resyncPending && m.Seq < c.lastSeq {
		return
	}
	if c.resyncPending {
		for name, u := range c.unconfirmed {
			if u.baseSeq <= c.resyncBase {
				delete(c.unconfirmed, name)
			}
		}
	}
	c.resyncPending = false
	c.users = m.Users
	c.replaceLocked(m.Params, m.Seq)
	c.emitLocked(Event{Kind: EventUsers, Users: c.usersCopy()})
}

// replaceLocked 以服务端快照为准；仍有本地未确认修改的参数保留本地值
func (c *Client) replaceLocked(p params.Params, seq uint64) {
	c.confirmed = p
	c.lastSeq = seq
	for _, name := range params.Names() {
		if c.hasLocalEdit(name) {
			continue
		}
		c.local = c.local.With(name, p.Get(name))
	}
	c.emitLocked(Event{Kind: EventParams, Params: c.local, Origin: OriginRemote})
}

func (c *Client) hasLocalEdit(name params.Name) bool {
	if _, ok := c.debounce[name]; ok {
		return true
	}
	_, ok := c.unconfirmed[name]
	return ok
}

func (c *Client) applyUpdateLocked(m protocol.ParamUpdateMessage) {
	name := params.Name(m.Param)
	own := m.UserID == c.userID
	if m.Param != "" {
		// 任何对该参数的提交都结束本地的冲突阻塞
		delete(c.conflicts, name)
		if own {
			delete(c.unconfirmed, name)
		} else {
			// 别人的新值到达：取消（不是提前发送）本地防抖
			c.stopDebounceLocked(name)
			// 写入者不收回显时，发出后的更新提交取代本地未确认值
			if u, ok := c.unconfirmed[name]; ok && m.Seq > u.baseSeq {
				delete(c.unconfirmed, name)
			}
		}
	}
	c.confirmed = m.Params
	for _, n := range params.Names() {
		if n == name && !own {
			c.local = c.local.With(n, m.Params.Get(n))
			continue
		}
		if c.hasLocalEdit(n) {
			continue
		}
		c.local = c.local.With(n, m.Params.Get(n))
	}
	c.emitLocked(Event{Kind: EventParams, Params: c.local, Origin: OriginRemote})
}

func (c *Client) onConflict(m protocol.ConflictMessage) {
	name := params.Name(m.Param)
	c.conflicts[name] = m
	c.stopDebounceLocked(name)
	delete(c.unconfirmed, name)
	cm := m
	c.emitLocked(Event{Kind: EventConflict, Conflict: &cm})
}

func (c *Client) onRejected(m protocol.RejectedMessage) {
	rm := m
	defer c.emitLocked(Event{Kind: EventRejected, Rejected: &rm, Reason: m.Reason})
	if m.Param == "" {
		return
	}
	name := params.Name(m.Param)
	delete(c.unconfirmed, name)
	switch m.Reason {
	case protocol.ReasonNoConflict, protocol.ReasonNotImplicated:
		delete(c.conflicts, name)
	}
	if _, pending := c.debounce[name]; pending {
		return
	}
	// 恢复到最后确认的值
	if _, err := params.ParseName(m.Param); err == nil {
		c.local = c.local.With(name, c.confirmed.Get(name))
		c.emitLocked(Event{Kind: EventParams, Params: c.local, Origin: OriginRemote})
	}
}

func (c *Client) startHeartbeatLocked() {
	c.stopTimersLocked()
	gen := c.gen
	c.heartbeatTimer = c.clock.AfterFunc(c.opt.HeartbeatInterval, func() { c.heartbeat(gen) })
}

func (c *Client) heartbeat(gen uint64) {
	c.mu.Lock()
	defer c.unlock()
	if c.gen != gen || c.state != Synchronized {
		return
	}
	if err := c.sendLocked(protocol.NewPing()); err != nil {
		return
	}
	if c.pongTimer == nil {
		c.pongTimer = c.clock.AfterFunc(c.opt.PongTimeout, func() { c.pongTimeout(gen) })
	}
	c.heartbeatTimer = c.clock.AfterFunc(c.opt.HeartbeatInterval, func() { c.heartbeat(gen) })
}

func (c *Client) pongTimeout(gen uint64) {
	c.mu.Lock()
	defer c.unlock()
	if c.gen != gen || c.state != Synchronized {
		return
	}
	c.log.Warn("pong timeout, treating connection as dead")
	c.degradeLocked()
}

// SetParam 本地编辑。与当前显示值相同的设置不产生任何动作，
// 这也抑制了界面对远端更新的回声。
func (c *Client) SetParam(name params.Name, v float64) error {
	if err := params.Validate(name, v); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.unlock()
	if _, blocked := c.conflicts[name]; blocked {
		return ErrConflictPending
	}
	c.applyLocked(name, v, OriginLocal)
	return nil
}

func (c *Client) applyLocked(name params.Name, v float64, origin Origin) {
	if c.local.Get(name) == v && origin == OriginLocal {
		return
	}
	c.local = c.local.With(name, v)
	c.emitLocked(Event{Kind: EventParams, Params: c.local, Origin: origin})
	if origin != OriginLocal {
		return
	}
	if _, waiting := c.unconfirmed[name]; !waiting && v == c.confirmed.Get(name) {
		// 改回了权威值
		c.stopDebounceLocked(name)
		return
	}
	c.scheduleWriteLocked(name)
}

func (c *Client) scheduleWriteLocked(name params.Name) {
	c.stopDebounceLocked(name)
	e := &debounceEntry{}
	e.timer = c.clock.AfterFunc(c.opt.Debounce, func() { c.flushWrite(name, e) })
	c.debounce[name] = e
}

func (c *Client) stopDebounceLocked(name params.Name) {
	if e := c.debounce[name]; e != nil {
		e.timer.Stop()
		delete(c.debounce, name)
	}
}

func (c *Client) flushWrite(name params.Name, e *debounceEntry) {
	c.mu.Lock()
	defer c.unlock()
	if c.debounce[name] != e {
		return
	}
	delete(c.debounce, name)
	v := c.local.Get(name)
	c.unconfirmed[name] = unconfirmed{value: v, baseSeq: c.lastSeq}
	if c.state != Synchronized {
		// 离线编辑等重连后的 stateSync 处理
		return
	}
	_ = c.sendLocked(protocol.NewProposeWrite(name, v))
}

// Resolve 用给定策略解决本地阻塞的冲突并立即发送 resolve
func (c *Client) Resolve(name params.Name, strategy protocol.Strategy) (float64, error) {
	c.mu.Lock()
	defer c.unlock()
	cf, ok := c.conflicts[name]
	if !ok {
		return 0, ErrNoConflict
	}
	if c.state != Synchronized {
		return 0, ErrNotConnected
	}
	v := ResolveValue(cf, strategy, c.userID)
	if err := c.sendLocked(protocol.NewResolve(name, v, strategy)); err != nil {
		return 0, err
	}
	delete(c.conflicts, name)
	c.stopDebounceLocked(name)
	c.unconfirmed[name] = unconfirmed{value: v, baseSeq: c.lastSeq}
	c.applyLocked(name, v, OriginResolution)
	return v, nil
}

// ResolveValue mine/theirs 以 self 在冲突中的位置区分，average 取两者均值
func ResolveValue(cf protocol.ConflictMessage, strategy protocol.Strategy, self string) float64 {
	mine, theirs := cf.ProposerBValue, cf.ProposerAValue
	if cf.ProposerAUserID == self {
		mine, theirs = cf.ProposerAValue, cf.ProposerBValue
	}
	switch strategy {
	case protocol.StrategyMine:
		return mine
	case protocol.StrategyTheirs:
		return theirs
	}
	return (mine + theirs) / 2
}

func (c *Client) usersCopy() []session.User {
	return append([]session.User(nil), c.users...)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Params 本地显示值（含未确认的本地修改）
func (c *Client) Params() params.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Confirmed 最近一次服务端确认的快照
func (c *Client) Confirmed() params.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}

func (c *Client) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

func (c *Client) Users() []session.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usersCopy()
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Attempt 当前重连次数，同步后归零
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Client) Conflict(name params.Name) (protocol.ConflictMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cf, ok := c.conflicts[name]
	return cf, ok
}
