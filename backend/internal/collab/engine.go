package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"paramsync/backend/internal/history"
	"paramsync/backend/internal/observability"
	"paramsync/backend/internal/params"
	"paramsync/backend/internal/protocol"
	"paramsync/backend/internal/session"
)

const DefaultConflictWindow = 500 * time.Millisecond

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotJoined       = errors.New("user has not joined the session")
	ErrConnectionGone  = errors.New("connection is gone")
	ErrEmptySessionID  = errors.New("empty session id")

	// ErrHistoryUnavailable 无法从历史接续会话，连接可稍后重试
	ErrHistoryUnavailable = errors.New("history unavailable")
)

// Broadcaster 连接管理器提供的扇出能力。
// 引擎在会话临界区内调用，实现必须只做非阻塞入队。
type Broadcaster interface {
	// Attach 把连接加入会话的房间；连接已不存在时返回 false
	Attach(sessionID, connID string) bool
	Detach(sessionID, connID string)
	// Broadcast 发给房间内所有连接，exceptConnID 非空时跳过该连接
	Broadcast(sessionID string, msg protocol.Outbound, exceptConnID string)
	SendTo(sessionID string, msg protocol.Outbound, connIDs ...string)
}

// EventSink 提交事件的下游（kafka）。
// 引擎在会话临界区内按 seq 顺序调用，实现必须非阻塞且保持同一会话的入队顺序。
type EventSink interface {
	TryEnqueue(evt CommitEvent) error
}

// Participant 一个已鉴权的连接
type Participant struct {
	ConnID string
	User   session.User
}

type OutcomeKind int

const (
	Committed OutcomeKind = iota + 1
	Conflicted
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Committed:
		return "committed"
	case Conflicted:
		return "conflicted"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Outcome 一次写入的处理结果；Seq 为处理完成后会话的 seq
type Outcome struct {
	Kind   OutcomeKind
	Seq    uint64
	Reason string
}

type Options struct {
	// 同一参数两次写入间隔小于该值且来自不同用户时判为冲突
	ConflictWindow time.Duration
	// 未解决冲突的过期时间，0 表示永不过期；过期在下一次写入时惰性判断
	ConflictTimeout time.Duration
	// 为 true 时 paramUpdate 不回发给写入者
	ExcludeWriter bool
	Now           func() time.Time
	Events        EventSink
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

// Engine 同步引擎。每个会话的写入经 Session.Do 串行处理；
// 历史追加、seq 递增、状态修改完成后才入队广播，且都在同一临界区内。
type Engine struct {
	registry *session.Registry
	history  history.Log
	out      Broadcaster

	window        time.Duration
	timeout       time.Duration
	excludeWriter bool
	now           func() time.Time
	events        EventSink
	metrics       *observability.Metrics
	logger        *slog.Logger
}

func NewEngine(registry *session.Registry, hist history.Log, out Broadcaster, opt Options) *Engine {
	if opt.ConflictWindow <= 0 {
		opt.ConflictWindow = DefaultConflictWindow
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Engine{
		registry:      registry,
		history:       hist,
		out:           out,
		window:        opt.ConflictWindow,
		timeout:       opt.ConflictTimeout,
		excludeWriter: opt.ExcludeWriter,
		now:           func() time.Time { return opt.Now().UTC() },
		events:        opt.Events,
		metrics:       opt.Metrics,
		logger:        opt.Logger.With("component", "engine"),
	}
}

func (e *Engine) Registry() *session.Registry { return e.registry }

// Join 把已鉴权的连接加入会话（不存在则创建）。
// 新用户推进 seq 并向其他连接广播 joined；authSuccess 在同一临界区内入队给该连接。
// 同一用户的第二个连接不推进 seq。
func (e *Engine) Join(ctx context.Context, sessionID string, p Participant) (protocol.AuthSuccessMessage, error) {
	if sessionID == "" {
		return protocol.AuthSuccessMessage{}, ErrEmptySessionID
	}
	for {
		s, created := e.registry.GetOrCreate(sessionID)
		if created {
			e.metrics.SetSessions(e.registry.Len())
		}
		var (
			reply protocol.AuthSuccessMessage
			err   error
		)
		alive := s.Do(func(st *session.State) {
			if err = e.resume(ctx, st); err != nil {
				return
			}
			if !e.out.Attach(sessionID, p.ConnID) {
				err = ErrConnectionGone
				return
			}
			now := e.now()
			m := st.Users[p.User.ID]
			if m == nil {
				u := p.User
				u.ConnectedAt = now
				m = &session.Member{User: u, Conns: make(map[string]struct{})}
				st.Users[u.ID] = m
				seq := st.Advance(now)
				e.out.Broadcast(sessionID, protocol.JoinedMessage{
					Type: protocol.TypeJoined, Seq: seq, Timestamp: now, User: u,
				}, p.ConnID)
			}
			m.Conns[p.ConnID] = struct{}{}
			reply = protocol.AuthSuccessMessage{
				Type:      protocol.TypeAuthSuccess,
				SessionID: sessionID,
				UserID:    p.User.ID,
				Users:     st.UserList(),
				Params:    st.Params,
				Seq:       st.Seq,
				Timestamp: now,
			}
			e.out.SendTo(sessionID, reply, p.ConnID)
		})
		if alive {
			if err == nil {
				e.logger.Info("joined", "session", sessionID, "user", p.User.ID, "conn", p.ConnID, "seq", reply.Seq)
			} else if created && e.registry.RemoveIfEmpty(sessionID) {
				e.metrics.SetSessions(e.registry.Len())
			}
			return reply, err
		}
		// 会话刚被移除，重新创建
	}
}

// resume 会话首次加入时从历史中接上参数；seq 取墓碑高水位与最后一条历史中较大者。
// 读取失败时不标记 Resumed，下一次加入重试。
func (e *Engine) resume(ctx context.Context, st *session.State) error {
	if st.Resumed {
		return nil
	}
	last, ok, err := e.history.Last(ctx, st.ID)
	if err != nil {
		e.logger.Warn("read last history event", "session", st.ID, "err", err)
		return fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	if ok {
		st.Params = last.Params
		st.Seq = max(st.Seq, last.Seq)
	}
	st.Resumed = true
	return nil
}

// Leave 连接断开。用户最后一个连接离开时推进 seq 并广播 left，
// 然后尝试回收空会话。按连接幂等。
func (e *Engine) Leave(ctx context.Context, sessionID string, p Participant) bool {
	e.out.Detach(sessionID, p.ConnID)
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return false
	}
	var left bool
	s.Do(func(st *session.State) {
		m := st.Users[p.User.ID]
		if m == nil {
			return
		}
		if _, ok := m.Conns[p.ConnID]; !ok {
			return
		}
		delete(m.Conns, p.ConnID)
		if len(m.Conns) > 0 {
			return
		}
		delete(st.Users, p.User.ID)
		now := e.now()
		seq := st.Advance(now)
		e.out.Broadcast(sessionID, protocol.LeftMessage{
			Type: protocol.TypeLeft, Seq: seq, Timestamp: now, UserID: p.User.ID,
		}, "")
		left = true
	})
	if left {
		e.logger.Info("left", "session", sessionID, "user", p.User.ID, "conn", p.ConnID)
	}
	if e.registry.RemoveIfEmpty(sessionID) {
		e.metrics.SetSessions(e.registry.Len())
		e.logger.Info("session removed", "session", sessionID)
	}
	return left
}

// Propose 处理一次写入提议
func (e *Engine) Propose(ctx context.Context, sessionID string, p Participant, w protocol.Write) (Outcome, error) {
	start := time.Now()
	defer func() { e.metrics.ObservePropose(time.Since(start)) }()

	s, ok := e.registry.Get(sessionID)
	if !ok {
		return Outcome{}, ErrSessionNotFound
	}
	var (
		out Outcome
		evt *CommitEvent
		err error
	)
	alive := s.Do(func(st *session.State) {
		if !isMember(st, p) {
			err = ErrNotJoined
			return
		}
		now := e.now()
		if verr := params.Validate(w.Param, w.Value); verr != nil {
			out = e.reject(sessionID, st, p, w.Param, w.Value, protocol.ReasonInvalid, now)
			return
		}
		incoming := session.PendingWrite{
			Value:      w.Value,
			UserID:     p.User.ID,
			UserName:   p.User.Name,
			ConnID:     p.ConnID,
			ReceivedAt: now,
		}

		if c := e.activeConflict(sessionID, st, w.Param, now); c != nil {
			if c.Implicates(p.User.ID) {
				out = e.reject(sessionID, st, p, w.Param, w.Value, protocol.ReasonConflictPending, now)
				return
			}
			// 第三个用户：与较新的挂起值 B 两两配对
			out = e.raiseConflict(sessionID, st, &session.Conflict{Param: w.Param, A: c.B, B: incoming, DetectedAt: now})
			return
		}

		if pw, ok := st.Pending[w.Param]; ok && pw.UserID != p.User.ID && now.Sub(pw.ReceivedAt) < e.window {
			out = e.raiseConflict(sessionID, st, &session.Conflict{Param: w.Param, A: pw, B: incoming, DetectedAt: now})
			return
		}

		exclude := ""
		if e.excludeWriter {
			exclude = p.ConnID
		}
		evt, err = e.commit(ctx, sessionID, st, w.Param, incoming, exclude, "")
		if err != nil {
			out = e.reject(sessionID, st, p, w.Param, w.Value, protocol.ReasonUnavailable, now)
			return
		}
		e.publish(evt)
		out = Outcome{Kind: Committed, Seq: evt.Seq}
	})
	if !alive {
		return Outcome{}, ErrSessionNotFound
	}
	return out, err
}

// Resolve 冲突任一方提交最终值；按普通写入提交并广播给所有连接
func (e *Engine) Resolve(ctx context.Context, sessionID string, p Participant, r protocol.Resolve) (Outcome, error) {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return Outcome{}, ErrSessionNotFound
	}
	var (
		out Outcome
		evt *CommitEvent
		err error
	)
	alive := s.Do(func(st *session.State) {
		if !isMember(st, p) {
			err = ErrNotJoined
			return
		}
		now := e.now()
		if verr := params.Validate(r.Param, r.Value); verr != nil {
			out = e.reject(sessionID, st, p, r.Param, r.Value, protocol.ReasonInvalid, now)
			return
		}
		c := e.activeConflict(sessionID, st, r.Param, now)
		if c == nil {
			out = e.reject(sessionID, st, p, r.Param, r.Value, protocol.ReasonNoConflict, now)
			return
		}
		if !c.Implicates(p.User.ID) {
			out = e.reject(sessionID, st, p, r.Param, r.Value, protocol.ReasonNotImplicated, now)
			return
		}
		w := session.PendingWrite{
			Value:      r.Value,
			UserID:     p.User.ID,
			UserName:   p.User.Name,
			ConnID:     p.ConnID,
			ReceivedAt: now,
		}
		evt, err = e.commit(ctx, sessionID, st, r.Param, w, "", string(r.Strategy))
		if err != nil {
			out = e.reject(sessionID, st, p, r.Param, r.Value, protocol.ReasonUnavailable, now)
			return
		}
		e.publish(evt)
		out = Outcome{Kind: Committed, Seq: evt.Seq}
	})
	if !alive {
		return Outcome{}, ErrSessionNotFound
	}
	if evt != nil {
		e.logger.Info("conflict resolved", "session", sessionID, "param", r.Param, "user", p.User.ID, "strategy", r.Strategy, "seq", evt.Seq)
	}
	return out, err
}

// Resync 回复完整快照。时间戳取最近一次 seq 变化的时间，
// 两次 resync 之间没有写入时回复完全相同。
func (e *Engine) Resync(ctx context.Context, sessionID string, p Participant, lastSeenSeq uint64) error {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	var err error
	alive := s.Do(func(st *session.State) {
		if !isMember(st, p) {
			err = ErrNotJoined
			return
		}
		e.out.SendTo(sessionID, protocol.StateSyncMessage{
			Type:      protocol.TypeStateSync,
			Seq:       st.Seq,
			Timestamp: st.UpdatedAt,
			Params:    st.Params,
			Users:     st.UserList(),
		}, p.ConnID)
		e.logger.Debug("resync", "session", sessionID, "conn", p.ConnID, "lastSeen", lastSeenSeq, "seq", st.Seq)
	})
	if !alive {
		return ErrSessionNotFound
	}
	return err
}

func (e *Engine) commit(ctx context.Context, sessionID string, st *session.State, name params.Name, w session.PendingWrite, exclude, strategy string) (*CommitEvent, error) {
	next := st.Params.With(name, w.Value)
	seq := st.Seq + 1
	// 先写历史，失败时会话状态不变
	if err := e.history.Record(ctx, sessionID, history.Event{
		Seq: seq, UserID: w.UserID, Params: next, Timestamp: w.ReceivedAt,
	}); err != nil {
		return nil, fmt.Errorf("record history: %w", err)
	}
	st.Params = next
	st.Advance(w.ReceivedAt)
	st.Pending[name] = w
	delete(st.Conflicts, name)

	e.out.Broadcast(sessionID, protocol.ParamUpdateMessage{
		Type:      protocol.TypeParamUpdate,
		Seq:       seq,
		Timestamp: w.ReceivedAt,
		UserID:    w.UserID,
		Param:     string(name),
		Params:    next,
	}, exclude)
	e.metrics.Commit()

	return &CommitEvent{
		EventType:   EventParamCommitted,
		SessionID:   sessionID,
		Seq:         seq,
		UserID:      w.UserID,
		Param:       string(name),
		Value:       w.Value,
		Params:      next,
		Strategy:    strategy,
		CommittedAt: w.ReceivedAt,
	}, nil
}

func (e *Engine) activeConflict(sessionID string, st *session.State, name params.Name, now time.Time) *session.Conflict {
	c := st.Conflicts[name]
	if c == nil {
		return nil
	}
	if e.timeout > 0 && now.Sub(c.DetectedAt) >= e.timeout {
		delete(st.Conflicts, name)
		delete(st.Pending, name)
		e.logger.Info("conflict expired", "session", sessionID, "param", name, "age", now.Sub(c.DetectedAt))
		return nil
	}
	return c
}

func (e *Engine) raiseConflict(sessionID string, st *session.State, c *session.Conflict) Outcome {
	st.Conflicts[c.Param] = c
	e.out.SendTo(sessionID, protocol.ConflictMessage{
		Type:              protocol.TypeConflict,
		Param:             string(c.Param),
		ProposerAValue:    c.A.Value,
		ProposerAUserID:   c.A.UserID,
		ProposerBValue:    c.B.Value,
		ProposerBUserID:   c.B.UserID,
		ProposerBUserName: c.B.UserName,
		Timestamp:         c.DetectedAt,
	}, c.A.ConnID, c.B.ConnID)
	e.metrics.Conflict()
	e.logger.Info("conflict", "session", sessionID, "param", c.Param, "a", c.A.UserID, "b", c.B.UserID)
	return Outcome{Kind: Conflicted, Seq: st.Seq}
}

func (e *Engine) reject(sessionID string, st *session.State, p Participant, name params.Name, value float64, reason string, now time.Time) Outcome {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		// json 无法编码 NaN/Inf
		value = 0
	}
	cur := st.Params
	e.out.SendTo(sessionID, protocol.RejectedMessage{
		Type:      protocol.TypeRejected,
		Param:     string(name),
		Value:     value,
		Reason:    reason,
		Params:    &cur,
		Timestamp: now,
	}, p.ConnID)
	e.metrics.Rejected(reason)
	return Outcome{Kind: Rejected, Seq: st.Seq, Reason: reason}
}

// publish 在临界区内把提交事件交给下游，保证同一会话按 seq 入队
func (e *Engine) publish(evt *CommitEvent) {
	if evt == nil || e.events == nil {
		return
	}
	if err := e.events.TryEnqueue(*evt); err != nil {
		e.logger.Warn("enqueue commit event", "session", evt.SessionID, "seq", evt.Seq, "err", err)
	}
}

func isMember(st *session.State, p Participant) bool {
	m := st.Users[p.User.ID]
	if m == nil {
		return false
	}
	_, ok := m.Conns[p.ConnID]
	return ok
}
