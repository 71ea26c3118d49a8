package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"paramsync/backend/internal/params"
)

// Event 一次已提交写入后的完整快照，按 seq 追加、写入后不可变
type Event struct {
	Seq       uint64        `json:"seq"`
	UserID    string        `json:"userId"`
	Params    params.Params `json:"params"`
	Timestamp time.Time     `json:"timestamp"`
}

var ErrOutOfOrder = errors.New("history: event seq not increasing")

// Log 追加型历史日志
type Log interface {
	Record(ctx context.Context, sessionID string, evt Event) error
	ReadAll(ctx context.Context, sessionID string) ([]Event, error)
	// ReadRange 返回 from <= seq <= to 的事件；to == 0 表示不设上限
	ReadRange(ctx context.Context, sessionID string, from, to uint64) ([]Event, error)
	// Last 最新一条事件，没有时 ok 为 false
	Last(ctx context.Context, sessionID string) (evt Event, ok bool, err error)
	Delete(ctx context.Context, sessionID string) error
}

// MemoryLog 进程内实现，每个会话一个切片
type MemoryLog struct {
	mu        sync.RWMutex
	events    map[string][]Event
	maxEvents int
}

// NewMemoryLog maxEvents <= 0 表示不截断
func NewMemoryLog(maxEvents int) *MemoryLog {
	return &MemoryLog{events: make(map[string][]Event), maxEvents: maxEvents}
}

func (l *MemoryLog) Record(ctx context.Context, sessionID string, evt Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	evts := l.events[sessionID]
	if n := len(evts); n > 0 && evt.Seq <= evts[n-1].Seq {
		return ErrOutOfOrder
	}
	evts = append(evts, evt)
	if l.maxEvents > 0 && len(evts) > l.maxEvents {
		// 丢弃最老的
		evts = append(evts[:0:0], evts[len(evts)-l.maxEvents:]...)
	}
	l.events[sessionID] = evts
	return nil
}

func (l *MemoryLog) ReadAll(ctx context.Context, sessionID string) ([]Event, error) {
	return l.ReadRange(ctx, sessionID, 0, 0)
}

func (l *MemoryLog) ReadRange(ctx context.Context, sessionID string, from, to uint64) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, len(l.events[sessionID]))
	for _, e := range l.events[sessionID] {
		if e.Seq < from || (to > 0 && e.Seq > to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *MemoryLog) Last(ctx context.Context, sessionID string) (Event, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	evts := l.events[sessionID]
	if len(evts) == 0 {
		return Event{}, false, nil
	}
	return evts[len(evts)-1], true, nil
}

func (l *MemoryLog) Delete(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	delete(l.events, sessionID)
	l.mu.Unlock()
	return nil
}
