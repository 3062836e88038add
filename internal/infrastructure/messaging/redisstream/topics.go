package redisstream

import (
	"time"

	"eventrelay/internal/config"
)

// Topic is a stable stream name.
type Topic string

const (
	TopicOrders        Topic = "orders"
	TopicUsers         Topic = "users"
	TopicProducts      Topic = "products"
	TopicNotifications Topic = "notifications"
	TopicPayments      Topic = "payments"
	TopicInventory     Topic = "inventory"
)

// streamKeyPrefix namespaces topic streams in Redis.
const streamKeyPrefix = "stream:"

func (t Topic) Key() string { return streamKeyPrefix + string(t) }

type TopicConfig struct {
	Name          Topic
	MaxLen        int64
	ConsumerGroup string
	BatchCount    int64
	Block         time.Duration
}

// Topics is the recognized topic table. MaxLen bounds retained messages;
// BatchCount/Block tune the notifier read loop per topic.
var Topics = map[Topic]TopicConfig{
	TopicOrders: {
		Name:          TopicOrders,
		MaxLen:        50000,
		ConsumerGroup: "notifiers",
		BatchCount:    20,
		Block:         1000 * time.Millisecond,
	},
	TopicUsers: {
		Name:          TopicUsers,
		MaxLen:        20000,
		ConsumerGroup: "notifiers",
		BatchCount:    10,
		Block:         1000 * time.Millisecond,
	},
	TopicProducts: {
		Name:          TopicProducts,
		MaxLen:        30000,
		ConsumerGroup: "notifiers",
		BatchCount:    15,
		Block:         1000 * time.Millisecond,
	},
	TopicNotifications: {
		Name:          TopicNotifications,
		MaxLen:        100000,
		ConsumerGroup: "notifiers",
		BatchCount:    50,
		Block:         3000 * time.Millisecond,
	},
	TopicPayments: {
		Name:          TopicPayments,
		MaxLen:        30000,
		ConsumerGroup: "notifiers",
		BatchCount:    10,
		Block:         1000 * time.Millisecond,
	},
	TopicInventory: {
		Name:          TopicInventory,
		MaxLen:        25000,
		ConsumerGroup: "notifiers",
		BatchCount:    15,
		Block:         1000 * time.Millisecond,
	},
}

// AllTopics returns the recognized topics in a stable order.
func AllTopics() []Topic {
	return []Topic{
		TopicOrders, TopicUsers, TopicProducts,
		TopicNotifications, TopicPayments, TopicInventory,
	}
}

// AllTopicConfigs returns the topic table in the same stable order, with any
// per-topic overrides applied on top of the defaults. nil keeps the defaults.
func AllTopicConfigs(opts map[string]config.TopicOption) []TopicConfig {
	topics := AllTopics()
	out := make([]TopicConfig, 0, len(topics))
	for _, t := range topics {
		tc := Topics[t]
		if o, ok := opts[string(t)]; ok {
			if o.MaxLen > 0 {
				tc.MaxLen = o.MaxLen
			}
			if o.BatchCount > 0 {
				tc.BatchCount = o.BatchCount
			}
			if o.Block > 0 {
				tc.Block = o.Block
			}
			if o.ConsumerGroup != "" {
				tc.ConsumerGroup = o.ConsumerGroup
			}
		}
		out = append(out, tc)
	}
	return out
}
