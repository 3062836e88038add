package redisstream

import (
	"context"
	"fmt"
	"strings"

	zlog "github.com/rs/zerolog/log"

	"eventrelay/internal/config"
	"eventrelay/internal/contracts/event"
	"eventrelay/internal/infrastructure/redis"
	"eventrelay/internal/metrics"
)

// ErrUnroutable is returned in strict mode for unrecognized aggregate types.
var ErrUnroutable = fmt.Errorf("no topic for aggregate type")

// Producer routes envelopes to topics and appends them with the topic's
// retention cap applied.
type Producer struct {
	client *redis.Client
	strict bool
	topics map[Topic]TopicConfig
}

func NewProducer(client *redis.Client, strict bool, opts map[string]config.TopicOption) *Producer {
	table := make(map[Topic]TopicConfig, len(Topics))
	for _, tc := range AllTopicConfigs(opts) {
		table[tc.Name] = tc
	}
	return &Producer{client: client, strict: strict, topics: table}
}

// TopicFor resolves the target topic. The aggregate type is the primary key
// (case-insensitive); event-type keywords are the fallback. Unrecognized
// aggregates default to orders unless strict routing is on.
func (p *Producer) TopicFor(aggregateType, eventType string) (Topic, error) {
	switch strings.ToLower(aggregateType) {
	case "order":
		return TopicOrders, nil
	case "user":
		return TopicUsers, nil
	case "product":
		return TopicProducts, nil
	case "notification", "email", "sms":
		return TopicNotifications, nil
	case "payment", "transaction", "billing":
		return TopicPayments, nil
	case "inventory", "stock", "warehouse":
		return TopicInventory, nil
	}

	if t, ok := topicForEventType(eventType); ok {
		return t, nil
	}

	if p.strict {
		return "", fmt.Errorf("%w: %q", ErrUnroutable, aggregateType)
	}
	zlog.Warn().
		Str("aggregate_type", aggregateType).
		Str("event_type", eventType).
		Msg("no topic match, defaulting to orders")
	return TopicOrders, nil
}

func topicForEventType(eventType string) (Topic, bool) {
	et := strings.ToLower(eventType)
	contains := func(keywords ...string) bool {
		for _, k := range keywords {
			if strings.Contains(et, k) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("order", "purchase", "checkout"):
		return TopicOrders, true
	case contains("user", "account", "profile"):
		return TopicUsers, true
	case contains("product", "catalog", "item"):
		return TopicProducts, true
	case contains("notification", "alert", "message"):
		return TopicNotifications, true
	case contains("payment", "charge", "refund"):
		return TopicPayments, true
	case contains("inventory", "stock", "quantity"):
		return TopicInventory, true
	}
	return "", false
}

// Publish appends the envelope to its routed topic and returns the stream
// message id. Transport failures are retryable by the caller.
func (p *Producer) Publish(ctx context.Context, env event.Envelope) (string, error) {
	topic, err := p.TopicFor(env.AggregateType, env.EventType)
	if err != nil {
		return "", err
	}

	fields, err := env.ToStreamFields()
	if err != nil {
		return "", err
	}

	cfg := p.topics[topic]
	id, err := p.client.AddToStream(ctx, topic.Key(), fields, cfg.MaxLen)
	if err != nil {
		metrics.EventsFailed.WithLabelValues(string(topic)).Inc()
		return "", err
	}

	metrics.EventsPublished.WithLabelValues(string(topic)).Inc()
	zlog.Debug().
		Str("event_id", env.EventID).
		Str("topic", string(topic)).
		Str("message_id", id).
		Msg("published")
	return id, nil
}

// EnsureGroups creates the notifier consumer group on every recognized topic.
func (p *Producer) EnsureGroups(ctx context.Context) error {
	for _, t := range AllTopics() {
		if err := p.client.EnsureGroup(ctx, t.Key(), p.topics[t].ConsumerGroup); err != nil {
			return err
		}
	}
	return nil
}

// StreamStats reports the current length of every recognized topic.
func (p *Producer) StreamStats(ctx context.Context) map[string]int64 {
	stats := make(map[string]int64, len(Topics))
	for _, t := range AllTopics() {
		n, err := p.client.StreamLen(ctx, t.Key())
		if err != nil {
			continue
		}
		stats[string(t)] = n
	}
	return stats
}
