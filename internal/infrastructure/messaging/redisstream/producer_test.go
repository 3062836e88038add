package redisstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"eventrelay/internal/config"
	"eventrelay/internal/contracts/event"
	"eventrelay/internal/infrastructure/redis"
)

func testProducer(t *testing.T, strict bool) (*Producer, *redis.Client) {
	t.Helper()
	p, c := testProducerOpts(t, strict, nil)
	return p, c
}

func testProducerOpts(t *testing.T, strict bool, opts map[string]config.TopicOption) (*Producer, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := redis.NewFromClient(rdb)
	return NewProducer(c, strict, opts), c
}

func TestTopicFor_RoutingTable(t *testing.T) {
	p, _ := testProducer(t, false)

	cases := []struct {
		aggregate string
		eventType string
		want      Topic
	}{
		{"order", "order_status", TopicOrders},
		{"ORDER", "order_status", TopicOrders},
		{"user", "profile_updated", TopicUsers},
		{"product", "price_changed", TopicProducts},
		{"notification", "push", TopicNotifications},
		{"email", "sent", TopicNotifications},
		{"sms", "sent", TopicNotifications},
		{"payment", "captured", TopicPayments},
		{"transaction", "settled", TopicPayments},
		{"billing", "invoiced", TopicPayments},
		{"inventory", "adjusted", TopicInventory},
		{"stock", "adjusted", TopicInventory},
		{"warehouse", "moved", TopicInventory},
		// Event-type keyword fallback.
		{"fulfillment", "checkout_completed", TopicOrders},
		{"crm", "account_upgraded", TopicUsers},
		{"ledger", "refund_issued", TopicPayments},
		// Default.
		{"mystery", "something_happened", TopicOrders},
	}

	for _, tc := range cases {
		got, err := p.TopicFor(tc.aggregate, tc.eventType)
		require.NoError(t, err, "%s/%s", tc.aggregate, tc.eventType)
		require.Equal(t, tc.want, got, "%s/%s", tc.aggregate, tc.eventType)
	}
}

func TestTopicFor_Strict(t *testing.T) {
	p, _ := testProducer(t, true)

	_, err := p.TopicFor("mystery", "something_happened")
	require.ErrorIs(t, err, ErrUnroutable)

	got, err := p.TopicFor("order", "order_status")
	require.NoError(t, err)
	require.Equal(t, TopicOrders, got)
}

func TestPublish_AppendsStreamFields(t *testing.T) {
	p, c := testProducer(t, false)
	ctx := context.Background()

	env := event.Envelope{
		EventID:       "17",
		EventType:     "order_status",
		AggregateID:   "a2b4c6d8-1234-4cde-9f01-23456789abcd",
		AggregateType: "order",
		TenantID:      "3f1d3c0a-9f6b-4c1e-8d2a-5b7e9c4a1f00",
		Version:       "1.0",
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:       map[string]any{"status": "created"},
	}

	id, err := p.Publish(ctx, env)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, c.EnsureGroup(ctx, TopicOrders.Key(), "check"))
	n, err := c.StreamLen(ctx, TopicOrders.Key())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestAllTopicConfigs_AppliesOverrides(t *testing.T) {
	opts := map[string]config.TopicOption{
		"orders":        {MaxLen: 500, ConsumerGroup: "shadow"},
		"notifications": {BatchCount: 5, Block: 250 * time.Millisecond},
	}

	byName := map[Topic]TopicConfig{}
	for _, tc := range AllTopicConfigs(opts) {
		byName[tc.Name] = tc
	}

	require.Equal(t, int64(500), byName[TopicOrders].MaxLen)
	require.Equal(t, "shadow", byName[TopicOrders].ConsumerGroup)
	// Untouched fields keep their defaults.
	require.Equal(t, Topics[TopicOrders].BatchCount, byName[TopicOrders].BatchCount)

	require.Equal(t, int64(5), byName[TopicNotifications].BatchCount)
	require.Equal(t, 250*time.Millisecond, byName[TopicNotifications].Block)
	require.Equal(t, Topics[TopicNotifications].MaxLen, byName[TopicNotifications].MaxLen)

	// Topics with no override are unchanged.
	require.Equal(t, Topics[TopicPayments], byName[TopicPayments])
}

func TestPublish_MaxLenOverrideTrims(t *testing.T) {
	p, c := testProducerOpts(t, false, map[string]config.TopicOption{
		"orders": {MaxLen: 3},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		env := event.Envelope{
			EventID:       fmt.Sprintf("%d", i),
			EventType:     "order_status",
			AggregateID:   "a2b4c6d8-1234-4cde-9f01-23456789abcd",
			AggregateType: "order",
			TenantID:      "3f1d3c0a-9f6b-4c1e-8d2a-5b7e9c4a1f00",
			Version:       "1.0",
			CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Payload:       map[string]any{"status": "created"},
		}
		_, err := p.Publish(ctx, env)
		require.NoError(t, err)
	}

	n, err := c.StreamLen(ctx, TopicOrders.Key())
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestTopics_TableMatchesRetention(t *testing.T) {
	require.Equal(t, int64(50000), Topics[TopicOrders].MaxLen)
	require.Equal(t, int64(20000), Topics[TopicUsers].MaxLen)
	require.Equal(t, int64(30000), Topics[TopicProducts].MaxLen)
	require.Equal(t, int64(100000), Topics[TopicNotifications].MaxLen)
	require.Equal(t, int64(30000), Topics[TopicPayments].MaxLen)
	require.Equal(t, int64(25000), Topics[TopicInventory].MaxLen)
	require.Equal(t, 3000*time.Millisecond, Topics[TopicNotifications].Block)
}
