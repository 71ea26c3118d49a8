package collab

import (
	"time"

	"paramsync/backend/internal/params"
)

const EventParamCommitted = "PARAM_COMMITTED"

// CommitEvent 每次提交写入后发往 kafka 的事件，key 为 sessionId
type CommitEvent struct {
	EventType   string        `json:"eventType"` // 固定 "PARAM_COMMITTED"
	SessionID   string        `json:"sessionId"`
	Seq         uint64        `json:"seq"`
	UserID      string        `json:"userId"`
	Param       string        `json:"param"`
	Value       float64       `json:"value"`
	Params      params.Params `json:"params"`
	Strategy    string        `json:"strategy,omitempty"` // 仅冲突解决产生的提交
	CommittedAt time.Time     `json:"committedAt"`
}
