package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"paramsync/backend/internal/params"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Strategy 冲突解决方式；服务端不解释其语义
type Strategy string

const (
	StrategyMine    Strategy = "mine"
	StrategyTheirs  Strategy = "theirs"
	StrategyAverage Strategy = "average"
)

func (s Strategy) Valid() bool {
	return s == StrategyMine || s == StrategyTheirs || s == StrategyAverage
}

// Inbound 客户端消息的类型化表示，连接上用一个 type switch 分发
type Inbound interface{ inbound() }

type Auth struct {
	Token       string
	DisplayName string
	Color       string
}

// Write 单个参数写入；参数名与取值由同步引擎校验
type Write struct {
	Param params.Name
	Value float64
}

// ProposeWrite 单参数或批量写入，批量时按参数名排序展开
type ProposeWrite struct {
	Writes []Write
}

type Resolve struct {
	Param    params.Name
	Value    float64
	Strategy Strategy
}

type Resync struct {
	LastSeenSeq uint64
}

type Ping struct{}

func (Auth) inbound()         {}
func (ProposeWrite) inbound() {}
func (Resolve) inbound()      {}
func (Resync) inbound()       {}
func (Ping) inbound()         {}

// Decode 校验结构并转换为具体的 Inbound
func (m ClientMessage) Decode() (Inbound, error) {
	switch m.Type {
	case TypeAuth:
		return Auth{Token: m.Token, DisplayName: m.DisplayName, Color: m.Color}, nil

	case TypeProposeWrite:
		if m.Param != "" {
			if m.Value == nil {
				return nil, fmt.Errorf("%w: proposeWrite without value", ErrMalformed)
			}
			return ProposeWrite{Writes: []Write{{Param: params.Name(m.Param), Value: *m.Value}}}, nil
		}
		if len(m.Params) == 0 {
			return nil, fmt.Errorf("%w: proposeWrite without param", ErrMalformed)
		}
		keys := make([]string, 0, len(m.Params))
		for k := range m.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writes := make([]Write, 0, len(keys))
		for _, k := range keys {
			writes = append(writes, Write{Param: params.Name(k), Value: m.Params[k]})
		}
		return ProposeWrite{Writes: writes}, nil

	case TypeResolve:
		if m.Param == "" || m.Value == nil {
			return nil, fmt.Errorf("%w: resolve needs param and value", ErrMalformed)
		}
		s := Strategy(m.Strategy)
		if !s.Valid() {
			return nil, fmt.Errorf("%w: strategy %q", ErrMalformed, m.Strategy)
		}
		return Resolve{Param: params.Name(m.Param), Value: *m.Value, Strategy: s}, nil

	case TypeResync:
		return Resync{LastSeenSeq: m.LastSeenSeq}, nil

	case TypePing:
		return Ping{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
}

// DecodeServer 客户端使用：解析服务端消息为具体类型（值类型）
func DecodeServer(data []byte) (Outbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch head.Type {
	case TypeAuthSuccess:
		return decodeAs[AuthSuccessMessage](data)
	case TypeAuthFailed:
		return decodeAs[AuthFailedMessage](data)
	case TypeParamUpdate:
		return decodeAs[ParamUpdateMessage](data)
	case TypeConflict:
		return decodeAs[ConflictMessage](data)
	case TypeJoined:
		return decodeAs[JoinedMessage](data)
	case TypeLeft:
		return decodeAs[LeftMessage](data)
	case TypeStateSync:
		return decodeAs[StateSyncMessage](data)
	case TypePong:
		return decodeAs[PongMessage](data)
	case TypeRejected:
		return decodeAs[RejectedMessage](data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
}

func decodeAs[T Outbound](data []byte) (Outbound, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}
