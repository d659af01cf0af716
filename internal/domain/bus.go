package domain

import "context"

// EventBus carries pipeline events between components. Publish always
// names one tenant; subscribers may name one tenant or all of them.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler consumes one message. A returned error is logged and
// counted; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope around every published payload. Metadata holds
// trace propagation entries.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the bus. "channel" keeps events in process;
// "nats" shares them between nodes.
type EventBusConfig struct {
	Type string `koanf:"type"`

	ChannelBufferSize int `koanf:"channel_buffer_size"`

	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds
}

// Topics used by the scoring pipeline.
const (
	// TopicOrderSubmitted carries orders awaiting an asynchronous fraud check.
	TopicOrderSubmitted = "kestrel.order.submitted"

	// TopicFraudDecision receives every persisted FraudScore.
	TopicFraudDecision = "kestrel.fraud.decision"

	// TopicFraudAlert receives FraudScores classified high or critical.
	TopicFraudAlert = "kestrel.fraud.alert"

	// TopicBlacklistAdded receives entries created by the auto-blacklister.
	TopicBlacklistAdded = "kestrel.blacklist.added"
)
