package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"PPRelay/service/presence"
	"PPRelay/service/relay"
	redisx "PPRelay/service/storage/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := redisx.NewClient(context.Background(), redisx.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	_, err := redisx.NewClient(context.Background(), redisx.Config{})
	assert.Error(t, err)
}

func TestOfflineQueueOrderAndDrain(t *testing.T) {
	_, rdb := newRedis(t)
	q := NewOfflineQueue(rdb, 0, 2, time.Hour)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, relay.Envelope{
			SenderID:    "B",
			RecipientID: "A",
			Text:        fmt.Sprintf("m%d", i),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}
	n, err := q.Len(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	first, err := q.Fetch(ctx, "A", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "m0", first[0].Text)
	assert.Equal(t, "m1", first[1].Text)

	rest, err := q.Drain(ctx, "A")
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, []string{"m2", "m3", "m4"}, []string{rest[0].Text, rest[1].Text, rest[2].Text})
	assert.Equal(t, "B", rest[0].SenderID)
	assert.Equal(t, "A", rest[0].RecipientID)
	assert.True(t, rest[2].CreatedAt.Equal(base.Add(4*time.Second)))

	n, err = q.Len(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, n)

	empty, err := q.Drain(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOfflineQueueKeepsRecentWindow(t *testing.T) {
	_, rdb := newRedis(t)
	q := NewOfflineQueue(rdb, 3, 10, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, relay.Envelope{SenderID: "B", RecipientID: "A", Text: fmt.Sprintf("m%d", i)}))
	}
	got, err := q.Drain(ctx, "A")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].Text)
	assert.Equal(t, "m4", got[2].Text)
}

func TestOfflineQueueDrainSkipsCorruptEntry(t *testing.T) {
	_, rdb := newRedis(t)
	q := NewOfflineQueue(rdb, 0, 2, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, relay.Envelope{SenderID: "B", RecipientID: "A", Text: fmt.Sprintf("m%d", i)}))
	}
	// 表尾是最老的一条，放一条坏数据进去：[m2, m1, m0, not-json]
	require.NoError(t, rdb.RPush(ctx, offlineKey("A"), "not-json").Err())

	got, err := q.Drain(ctx, "A")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"m0", "m1", "m2"}, []string{got[0].Text, got[1].Text, got[2].Text})

	n, err := q.Len(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPresenceMirror(t *testing.T) {
	mr, rdb := newRedis(t)
	reg := presence.NewRegistry()
	m := NewPresenceMirror(rdb, reg, "gw-1", 30*time.Second, 16, nil)
	cancel := reg.Subscribe(m.OnChange)
	defer cancel()
	m.Start()
	defer m.Stop()

	ctx := context.Background()
	h := stubHandle("h1")
	reg.Register("A", h)
	require.Eventually(t, func() bool {
		gw, ok, err := m.Lookup(ctx, "A")
		return err == nil && ok && gw == "gw-1"
	}, time.Second, 5*time.Millisecond)
	assert.Greater(t, mr.TTL("im:presence:A"), time.Duration(0))

	// 其他网关接管后本网关下线不能删掉对方的 key
	reg.Register("B", stubHandle("h2"))
	require.Eventually(t, func() bool { return mr.Exists("im:presence:B") }, time.Second, 5*time.Millisecond)
	require.NoError(t, mr.Set("im:presence:B", "gw-2"))
	reg.Deregister("B", stubHandle("h2"))

	reg.Deregister("A", h)
	require.Eventually(t, func() bool { return !mr.Exists("im:presence:A") }, time.Second, 5*time.Millisecond)
	gw, ok, err := m.Lookup(ctx, "B")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "gw-2", gw)
}

func TestPresenceMirrorRefresh(t *testing.T) {
	mr, rdb := newRedis(t)
	reg := presence.NewRegistry()
	reg.Register("A", stubHandle("h1"))
	m := NewPresenceMirror(rdb, reg, "gw-1", 30*time.Second, 16, nil)

	require.NoError(t, m.Refresh(context.Background()))
	v, err := mr.Get("im:presence:A")
	require.NoError(t, err)
	assert.Equal(t, "gw-1", v)

	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists("im:presence:A"))
}

type stubHandle string

func (h stubHandle) ID() string                         { return string(h) }
func (h stubHandle) Push(context.Context, []byte) error { return nil }
