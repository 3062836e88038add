package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb)
}

func TestAddToStream_TrimsToMaxLen(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := c.AddToStream(ctx, "topic", map[string]string{"n": "x"}, 5)
		require.NoError(t, err)
	}

	n, err := c.StreamLen(ctx, "topic")
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestEnsureGroup_Idempotent(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx, "topic", "notifiers"))
	require.NoError(t, c.EnsureGroup(ctx, "topic", "notifiers"))
}

func TestReadGroup_OnlyPostGroupMessages(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	_, err := c.AddToStream(ctx, "topic", map[string]string{"seq": "before"}, 100)
	require.NoError(t, err)

	require.NoError(t, c.EnsureGroup(ctx, "topic", "notifiers"))

	_, err = c.AddToStream(ctx, "topic", map[string]string{"seq": "after"}, 100)
	require.NoError(t, err)

	msgs, err := c.ReadGroup(ctx, "topic", "notifiers", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "after", msgs[0].Fields["seq"])
}

func TestAck(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx, "topic", "notifiers"))
	_, err := c.AddToStream(ctx, "topic", map[string]string{"k": "v"}, 100)
	require.NoError(t, err)

	msgs, err := c.ReadGroup(ctx, "topic", "notifiers", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, c.Ack(ctx, "topic", "notifiers", msgs[0].ID))

	// Nothing new and nothing pending redelivered with ">".
	msgs, err = c.ReadGroup(ctx, "topic", "notifiers", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, msgs)
}
