package domain

import (
	"context"
	"time"
)

// Analysis pipeline topics. Ingested payloads are TransactionRequest JSON;
// decision and alert payloads are EnhancedResult JSON. Only review and
// block results are published as alerts.
const (
	TopicTransactionIngested = "kestrel.transaction.ingested"
	TopicDecision            = "kestrel.decision"
	TopicAlert               = "kestrel.alert"
)

// EventBus carries pipeline events between the API, the service and the
// async worker. The channel bus is in-process only; NATS fans out across
// instances.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers every message on topic to handler until the
	// returned subscription is cancelled.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler consumes one delivered message. A returned error is logged
// by the bus and the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope published on a topic.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

// Subscription is an active topic registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus.
type EventBusConfig struct {
	Type string `json:"type"` // channel | nats

	ChannelBufferSize int `json:"channelBufferSize"`

	NATSUrl           string        `json:"natsUrl,omitempty"`
	NATSToken         string        `json:"-"`
	NATSMaxReconnects int           `json:"natsMaxReconnects,omitempty"`
	NATSReconnectWait time.Duration `json:"natsReconnectWait,omitempty"`
}
