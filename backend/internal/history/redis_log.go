package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 键语义：
// - historyKey(sessionID): ZSet<eventJSON, seq>，score=seq
// {sessionID} 作为 hash tag，保证集群模式下同一会话落在同一个 slot
const keyHistoryFmt = "paramsync:history:{%s}"

func historyKey(sessionID string) string { return fmt.Sprintf(keyHistoryFmt, sessionID) }

// RedisLog 基于 redis ZSet 的实现，可被多个进程共享
type RedisLog struct {
	rdb       redis.UniversalClient
	maxEvents int
	ttl       time.Duration
}

func NewRedisLog(rdb redis.UniversalClient, maxEvents int, ttl time.Duration) *RedisLog {
	return &RedisLog{rdb: rdb, maxEvents: maxEvents, ttl: ttl}
}

func (l *RedisLog) Record(ctx context.Context, sessionID string, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	key := historyKey(sessionID)
	tx := l.rdb.TxPipeline()
	tx.ZAdd(ctx, key, redis.Z{Score: float64(evt.Seq), Member: b})
	if l.maxEvents > 0 {
		// 只保留 score 最大的 maxEvents 条
		tx.ZRemRangeByRank(ctx, key, 0, int64(-l.maxEvents-1))
	}
	if l.ttl > 0 {
		tx.Expire(ctx, key, l.ttl)
	}
	_, err = tx.Exec(ctx)
	return err
}

func (l *RedisLog) ReadAll(ctx context.Context, sessionID string) ([]Event, error) {
	return l.ReadRange(ctx, sessionID, 0, 0)
}

func (l *RedisLog) ReadRange(ctx context.Context, sessionID string, from, to uint64) ([]Event, error) {
	max := "+inf"
	if to > 0 {
		max = strconv.FormatUint(to, 10)
	}
	raw, err := l.rdb.ZRangeByScore(ctx, historyKey(sessionID), &redis.ZRangeBy{
		Min: strconv.FormatUint(from, 10),
		Max: max,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, s := range raw {
		var e Event
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode history event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *RedisLog) Last(ctx context.Context, sessionID string) (Event, bool, error) {
	raw, err := l.rdb.ZRevRange(ctx, historyKey(sessionID), 0, 0).Result()
	if err != nil && err != redis.Nil {
		return Event{}, false, err
	}
	if len(raw) == 0 {
		return Event{}, false, nil
	}
	var e Event
	if err := json.Unmarshal([]byte(raw[0]), &e); err != nil {
		return Event{}, false, fmt.Errorf("decode history event: %w", err)
	}
	return e, true, nil
}

func (l *RedisLog) Delete(ctx context.Context, sessionID string) error {
	return l.rdb.Del(ctx, historyKey(sessionID)).Err()
}
