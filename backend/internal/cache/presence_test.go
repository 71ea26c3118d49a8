package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPresence(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	sid := "test-" + uuid.NewString()[:8]
	defer rdb.Del(ctx, roomKey(sid), namesKey(sid))

	now := time.Now()
	p := &redisPresence{rdb: rdb, now: func() time.Time { return now }}

	require.NoError(t, p.AddMember(ctx, sid, "u1", "Ann", time.Minute))
	require.NoError(t, p.AddMember(ctx, sid, "u2", "Bob", time.Minute))
	// 已过期的成员
	require.NoError(t, rdb.ZAdd(ctx, roomKey(sid), redis.Z{Score: float64(now.Add(-time.Minute).Unix()), Member: "u3"}).Err())
	require.NoError(t, rdb.HSet(ctx, namesKey(sid), "u3", "Old").Err())

	members, err := p.GetAliveMembers(ctx, sid)
	require.NoError(t, err)
	require.Len(t, members, 2)
	names := map[string]string{}
	for _, m := range members {
		names[m.UserID] = m.DisplayName
	}
	assert.Equal(t, map[string]string{"u1": "Ann", "u2": "Bob"}, names)

	gone, err := rdb.HExists(ctx, namesKey(sid), "u3").Result()
	require.NoError(t, err)
	assert.False(t, gone, "expired member name is cleaned up")

	require.NoError(t, p.RemoveMember(ctx, sid, "u1"))
	members, err = p.GetAliveMembers(ctx, sid)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u2", members[0].UserID)
}

func TestNopPresence(t *testing.T) {
	var p PresenceCache = NopPresence{}
	require.NoError(t, p.AddMember(context.Background(), "s", "u", "n", time.Second))
	m, err := p.GetAliveMembers(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, m)
}
