package protocol

import (
	"time"

	"paramsync/backend/internal/params"
	"paramsync/backend/internal/session"
)

// 消息类型
const (
	TypeAuth         = "auth"
	TypeProposeWrite = "proposeWrite"
	TypeResolve      = "resolve"
	TypeResync       = "resync"
	TypePing         = "ping"

	TypeAuthSuccess = "authSuccess"
	TypeAuthFailed  = "authFailed"
	TypeParamUpdate = "paramUpdate"
	TypeConflict    = "conflict"
	TypeJoined      = "joined"
	TypeLeft        = "left"
	TypeStateSync   = "stateSync"
	TypePong        = "pong"
	TypeRejected    = "rejected"
)

// rejected / authFailed 的 reason
const (
	ReasonInvalid          = "invalid"
	ReasonMalformed        = "malformed"
	ReasonConflictPending  = "conflict_pending"
	ReasonNoConflict       = "no_conflict"
	ReasonNotImplicated    = "not_implicated"
	ReasonUnavailable      = "unavailable"
	ReasonRateLimited      = "rate_limited"
	ReasonBusy             = "busy"
	ReasonInvalidToken     = "invalid_token"
	ReasonNotAuthenticated = "not_authenticated"
	ReasonSessionClosed    = "session_closed"
)

// ClientMessage 客户端 -> 服务端的扁平 JSON，读进来后用 Decode 转成具体类型
type ClientMessage struct {
	Type        string             `json:"type"`
	Token       string             `json:"token,omitempty"`
	DisplayName string             `json:"displayName,omitempty"`
	Color       string             `json:"color,omitempty"`
	Param       string             `json:"param,omitempty"`
	Value       *float64           `json:"value,omitempty"`
	Params      map[string]float64 `json:"params,omitempty"`
	Strategy    string             `json:"strategy,omitempty"`
	LastSeenSeq uint64             `json:"lastSeenSeq,omitempty"`
}

func NewAuth(token, displayName, color string) ClientMessage {
	return ClientMessage{Type: TypeAuth, Token: token, DisplayName: displayName, Color: color}
}

func NewProposeWrite(param params.Name, value float64) ClientMessage {
	return ClientMessage{Type: TypeProposeWrite, Param: string(param), Value: &value}
}

func NewResolve(param params.Name, value float64, strategy Strategy) ClientMessage {
	return ClientMessage{Type: TypeResolve, Param: string(param), Value: &value, Strategy: string(strategy)}
}

func NewResync(lastSeenSeq uint64) ClientMessage {
	return ClientMessage{Type: TypeResync, LastSeenSeq: lastSeenSeq}
}

func NewPing() ClientMessage { return ClientMessage{Type: TypePing} }

// Outbound 出站消息接口
type Outbound interface {
	MessageType() string
}

// Sequenced 携带 seq 的状态变更消息
type Sequenced interface {
	Outbound
	SeqNumber() uint64
}

type AuthSuccessMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Users     []session.User `json:"users"`
	Params    params.Params  `json:"params"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
}

type AuthFailedMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ParamUpdateMessage 一次已提交的写入；Param 为本次改动的参数名
type ParamUpdateMessage struct {
	Type      string        `json:"type"`
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	UserID    string        `json:"userId"`
	Param     string        `json:"param,omitempty"`
	Params    params.Params `json:"params"`
}

// ConflictMessage 发给冲突双方；不推进 seq
type ConflictMessage struct {
	Type              string    `json:"type"`
	Param             string    `json:"param"`
	ProposerAValue    float64   `json:"proposerAValue"`
	ProposerAUserID   string    `json:"proposerAUserId"`
	ProposerBValue    float64   `json:"proposerBValue"`
	ProposerBUserID   string    `json:"proposerBUserId"`
	ProposerBUserName string    `json:"proposerBUserName"`
	Timestamp         time.Time `json:"timestamp"`
}

type JoinedMessage struct {
	Type      string       `json:"type"`
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	User      session.User `json:"user"`
}

type LeftMessage struct {
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
}

// StateSyncMessage resync 的完整快照回复
type StateSyncMessage struct {
	Type      string         `json:"type"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Params    params.Params  `json:"params"`
	Users     []session.User `json:"users"`
}

type PongMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// RejectedMessage 写入未进入冲突流程即被拒绝；不消耗 seq
type RejectedMessage struct {
	Type      string         `json:"type"`
	Param     string         `json:"param,omitempty"`
	Value     float64        `json:"value,omitempty"`
	Reason    string         `json:"reason"`
	Params    *params.Params `json:"params,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// 隐式实现 Outbound 接口
func (m AuthSuccessMessage) MessageType() string { return TypeAuthSuccess }
func (m AuthFailedMessage) MessageType() string  { return TypeAuthFailed }
func (m ParamUpdateMessage) MessageType() string { return TypeParamUpdate }
func (m ConflictMessage) MessageType() string    { return TypeConflict }
func (m JoinedMessage) MessageType() string      { return TypeJoined }
func (m LeftMessage) MessageType() string        { return TypeLeft }
func (m StateSyncMessage) MessageType() string   { return TypeStateSync }
func (m PongMessage) MessageType() string        { return TypePong }
func (m RejectedMessage) MessageType() string    { return TypeRejected }

func (m AuthSuccessMessage) SeqNumber() uint64 { return m.Seq }
func (m ParamUpdateMessage) SeqNumber() uint64 { return m.Seq }
func (m JoinedMessage) SeqNumber() uint64      { return m.Seq }
func (m LeftMessage) SeqNumber() uint64        { return m.Seq }
func (m StateSyncMessage) SeqNumber() uint64   { return m.Seq }
