package session

import (
	"sort"
	"time"

	"paramsync/backend/internal/params"
)

// User 由鉴权方提供的身份，只在连接存活期间存在
type User struct {
	ID          string    `json:"userId"`
	Name        string    `json:"displayName"`
	Color       string    `json:"color,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Member 会话内的一个用户；同一用户可有多个连接（多标签页）
type Member struct {
	User  User
	Conns map[string]struct{}
}

// PendingWrite 冲突窗口内最近一次提交（或被挂起）的写入
type PendingWrite struct {
	Value      float64
	UserID     string
	UserName   string
	ConnID     string
	ReceivedAt time.Time
}

// Conflict 未解决的冲突，不进入历史
type Conflict struct {
	Param      params.Name
	A          PendingWrite
	B          PendingWrite
	DetectedAt time.Time
}

func (c *Conflict) Implicates(userID string) bool {
	return c.A.UserID == userID || c.B.UserID == userID
}

// State 单个会话的全部可变状态，只能在 Session.Do 内访问
type State struct {
	ID        string
	Params    params.Params
	Seq       uint64
	CreatedAt time.Time
	// UpdatedAt 最近一次 seq 变化的时间
	UpdatedAt time.Time
	Users     map[string]*Member
	Pending   map[params.Name]PendingWrite
	Conflicts map[params.Name]*Conflict
	// Resumed 已从历史接续过 seq
	Resumed bool
}

func newState(id string, now time.Time) State {
	return State{
		ID:        id,
		Params:    params.Default(),
		CreatedAt: now,
		UpdatedAt: now,
		Users:     make(map[string]*Member),
		Pending:   make(map[params.Name]PendingWrite),
		Conflicts: make(map[params.Name]*Conflict),
	}
}

// Advance seq+1，返回新 seq
func (s *State) Advance(now time.Time) uint64 {
	s.Seq++
	s.UpdatedAt = now
	return s.Seq
}

// UserList 按加入时间排序
func (s *State) UserList() []User {
	out := make([]User, 0, len(s.Users))
	for _, m := range s.Users {
		out = append(out, m.User)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Summary 对外（REST）暴露的会话概要
type Summary struct {
	SessionID string        `json:"sessionId"`
	UserCount int           `json:"userCount"`
	Seq       uint64        `json:"seq"`
	Params    params.Params `json:"params"`
	Beta      float64       `json:"beta"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Users     []User        `json:"users,omitempty"`
}

func (s *State) Summary() Summary {
	return Summary{
		SessionID: s.ID,
		UserCount: len(s.Users),
		Seq:       s.Seq,
		Params:    s.Params,
		Beta:      s.Params.Beta(),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
