package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session 会话句柄；状态由 mu 保护
type Session struct {
	mu     sync.Mutex
	closed bool
	state  State
}

func (s *Session) ID() string { return s.state.ID }

// Do 在会话临界区内执行 fn，这是修改会话状态的唯一入口。
// 会话已被移除时不执行，返回 false。
func (s *Session) Do(fn func(*State)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	fn(&s.state)
	return true
}

// Registry 活跃会话表。
// 锁顺序：Registry.mu -> Session.mu，反过来不允许。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// 已移除会话的 seq 高水位，同 id 重建时从这里接续
	tombstones map[string]tombstone
	now        func() time.Time
}

type tombstone struct {
	seq       uint64
	removedAt time.Time
}

// TombstoneTTL 墓碑保留时长，与历史默认 TTL 一致
const TombstoneTTL = 24 * time.Hour

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]tombstone),
		now:        now,
	}
}

// GetOrCreate 双重检查，第二个返回值表示是否新建
func (r *Registry) GetOrCreate(id string) (*Session, bool) {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s != nil {
		return s, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.sessions[id]; s != nil {
		return s, false
	}
	s = &Session{state: newState(id, r.now().UTC())}
	if tb, ok := r.tombstones[id]; ok {
		s.state.Seq = tb.seq
		delete(r.tombstones, id)
	}
	r.sessions[id] = s
	return s, true
}

// removeLocked 调用方持有 r.mu 与 s.mu
func (r *Registry) removeLocked(id string, s *Session) {
	s.closed = true
	delete(r.sessions, id)
	if s.state.Seq > 0 {
		r.tombstones[id] = tombstone{seq: s.state.Seq, removedAt: r.now()}
	}
}

// Create 生成一个新的 8 位会话 id
func (r *Registry) Create() *Session {
	for {
		id := uuid.NewString()[:8]
		if s, created := r.GetOrCreate(id); created {
			return s
		}
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// RemoveIfEmpty 会话没有用户时移除并标记关闭
func (r *Registry) RemoveIfEmpty(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.state.Users) > 0 {
		return false
	}
	r.removeLocked(id, s)
	return true
}

// Delete 无条件移除
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	if s == nil {
		return false
	}
	s.mu.Lock()
	r.removeLocked(id, s)
	s.mu.Unlock()
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List 按 id 排序的会话概要
func (r *Registry) List() []Summary {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(all))
	for _, s := range all {
		s.Do(func(st *State) { out = append(out, st.Summary()) })
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SweepIdle 移除空闲超过 ttl 且没有用户的会话（比如 REST 创建后没人连），
// 并清理超过 TombstoneTTL 的墓碑
func (r *Registry) SweepIdle(now time.Time, ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, s := range r.sessions {
		s.mu.Lock()
		if len(s.state.Users) == 0 && now.Sub(s.state.UpdatedAt) >= ttl {
			r.removeLocked(id, s)
			removed = append(removed, id)
		}
		s.mu.Unlock()
	}
	for id, tb := range r.tombstones {
		if now.Sub(tb.removedAt) >= TombstoneTTL {
			delete(r.tombstones, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// RunJanitor 周期性清理空闲会话，ctx 取消时返回
func (r *Registry) RunJanitor(ctx context.Context, interval, ttl time.Duration, logger *slog.Logger, onSweep func(active int)) error {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := r.SweepIdle(r.now(), ttl)
			if len(removed) > 0 {
				logger.Info("swept idle sessions", "count", len(removed), "sessions", removed)
			}
			if onSweep != nil {
				onSweep(r.Len())
			}
		}
	}
}
