package history

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paramsync/backend/internal/params"
)

func evt(seq uint64, at time.Time, mu float64) Event {
	return Event{Seq: seq, UserID: "u1", Params: params.Default().With(params.Mu, mu), Timestamp: at}
}

func seqs(evts []Event) []uint64 {
	out := make([]uint64, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Seq)
	}
	return out
}

func TestMemoryLogOrderAndRange(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(0)
	t0 := time.Unix(0, 0).UTC()

	require.NoError(t, l.Record(ctx, "s1", evt(2, t0, 0.6)))
	require.NoError(t, l.Record(ctx, "s1", evt(5, t0, 0.61)))
	require.NoError(t, l.Record(ctx, "s1", evt(6, t0, 0.62)))
	assert.ErrorIs(t, l.Record(ctx, "s1", evt(6, t0, 0.63)), ErrOutOfOrder)
	assert.ErrorIs(t, l.Record(ctx, "s1", evt(3, t0, 0.63)), ErrOutOfOrder)

	all, err := l.ReadAll(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 5, 6}, seqs(all))

	r, err := l.ReadRange(ctx, "s1", 3, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, seqs(r))

	other, err := l.ReadAll(ctx, "s2")
	require.NoError(t, err)
	assert.NotNil(t, other)
	assert.Empty(t, other)

	require.NoError(t, l.Delete(ctx, "s1"))
	all, _ = l.ReadAll(ctx, "s1")
	assert.Empty(t, all)
}

func TestMemoryLogCap(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(3)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Record(ctx, "s", evt(i, time.Now(), 0.6)))
	}
	all, _ := l.ReadAll(ctx, "s")
	assert.Equal(t, []uint64{3, 4, 5}, seqs(all))
}

func TestMemoryLogLast(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(0)
	_, ok, err := l.Last(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Record(ctx, "s", evt(1, time.Now(), 0.6)))
	require.NoError(t, l.Record(ctx, "s", evt(4, time.Now(), 0.7)))
	last, ok, err := l.Last(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), last.Seq)
	assert.InDelta(t, 0.7, last.Params.Mu, 1e-9)
}

func TestReplayOrderAndPacing(t *testing.T) {
	t0 := time.Now()
	events := []Event{
		evt(3, t0.Add(200*time.Millisecond), 0.63),
		evt(1, t0, 0.61),
		evt(2, t0.Add(100*time.Millisecond), 0.62),
	}

	var got []uint64
	start := time.Now()
	err := Replay(context.Background(), events, 4, func(e Event) error {
		got = append(got, e.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, got)
	// 200ms / 4 = 50ms
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
	assert.Equal(t, uint64(3), events[0].Seq, "input slice must not be reordered")
}

func TestReplayNoDelayAndErrors(t *testing.T) {
	t0 := time.Now()
	events := []Event{evt(1, t0, 0.6), evt(2, t0.Add(time.Hour), 0.61)}

	start := time.Now()
	var n int
	require.NoError(t, Replay(context.Background(), events, 0, func(Event) error { n++; return nil }))
	assert.Equal(t, 2, n)
	assert.Less(t, time.Since(start), time.Second)

	boom := errors.New("boom")
	err := Replay(context.Background(), events, 0, func(Event) error { return boom })
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = Replay(ctx, events, 1, func(Event) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLog(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	sid := "test-" + uuid.NewString()[:8]
	l := NewRedisLog(rdb, 3, time.Minute)
	defer l.Delete(ctx, sid)

	t0 := time.Now().UTC().Truncate(time.Millisecond)
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, l.Record(ctx, sid, evt(i, t0, 0.6)))
	}
	all, err := l.ReadAll(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 4}, seqs(all))
	assert.True(t, all[0].Timestamp.Equal(t0))

	r, err := l.ReadRange(ctx, sid, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, seqs(r))

	ttl, err := rdb.TTL(ctx, historyKey(sid)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestGormLog(t *testing.T) {
	dsn := os.Getenv("PARAMSYNC_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: PARAMSYNC_TEST_MYSQL_DSN not set")
	}
	db, err := OpenMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	l, err := NewGormLog(db, 2)
	require.NoError(t, err)

	ctx := context.Background()
	sid := "test-" + uuid.NewString()[:8]
	defer l.Delete(ctx, sid)

	t0 := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, l.Record(ctx, sid, evt(1, t0, 0.6)))
	require.NoError(t, l.Record(ctx, sid, evt(1, t0, 0.6)), "duplicate seq is idempotent")
	require.NoError(t, l.Record(ctx, sid, evt(2, t0, 0.61)))
	require.NoError(t, l.Record(ctx, sid, evt(3, t0, 0.62)))

	all, err := l.ReadAll(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, seqs(all))
	assert.Equal(t, 0.62, all[1].Params.Mu)
}
