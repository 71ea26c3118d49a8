package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 在线成员镜像。会话状态本身在进程内，
// 这里只供 REST 查询和多实例部署时观察。
type PresenceCache interface {
	AddMember(ctx context.Context, sessionID, userID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, userID string) error
	GetAliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// 清理过期成员
// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

func (p *redisPresence) AddMember(ctx context.Context, sessionID, userID, displayName string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember
	expireAt := p.now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(sessionID), userID, displayName)
	// 整个房间没人续期时自动消失
	tx.Expire(ctx, roomKey(sessionID), 2*ttl)
	tx.Expire(ctx, namesKey(sessionID), 2*ttl)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), userID)
	tx.HDel(ctx, namesKey(sessionID), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员；score=expireAt，expireAt <= now 视为过期
	now := p.now().Unix()
	err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Err()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	alive, err := p.rdb.ZRangeByScoreWithScores(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(alive) == 0 {
		return []PresenceMember{}, nil
	}
	ids := make([]string, 0, len(alive))
	for _, z := range alive {
		id, _ := z.Member.(string)
		ids = append(ids, id)
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(ids))
	for i, id := range ids {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{
			UserID:      id,
			DisplayName: name,
			ExpiresAt:   time.Unix(int64(alive[i].Score), 0).UTC(),
		})
	}
	return members, nil
}

// NopPresence 未配置 redis 时使用
type NopPresence struct{}

func (NopPresence) AddMember(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (NopPresence) RemoveMember(context.Context, string, string) error { return nil }
func (NopPresence) GetAliveMembers(context.Context, string) ([]PresenceMember, error) {
	return []PresenceMember{}, nil
}
