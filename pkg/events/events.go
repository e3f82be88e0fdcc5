// Package events publishes entitlement changes to Kafka so other services can
// react to activations, cancellations and grant lifecycle without polling.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/dmitrymomot/billsync/pkg/logger"
)

// Event types.
const (
	SubscriptionActivated = "subscription.activated"
	SubscriptionCanceled  = "subscription.canceled"
	GrantIssued           = "grant.issued"
	GrantExpired          = "grant.expired"
)

var (
	ErrNoBrokers      = errors.New("events: no kafka brokers configured")
	ErrPublishFailed  = errors.New("events: publish failed")
	ErrEncodingFailed = errors.New("events: failed to encode event")
)

// Config configures the Kafka publisher. Publishing is disabled when Brokers is empty.
type Config struct {
	Brokers  []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Topic    string        `env:"KAFKA_TOPIC" envDefault:"billsync.entitlements"`
	ClientID string        `env:"KAFKA_CLIENT_ID" envDefault:"billsync"`
	Timeout  time.Duration `env:"KAFKA_TIMEOUT" envDefault:"5s"`
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	for _, b := range c.Brokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}

// Event is the message envelope. Data is encoded as JSON.
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// KafkaPublisher writes events to a single topic keyed by user id.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewSaramaConfig returns the producer config used by New.
func NewSaramaConfig(cfg Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = cfg.Timeout
	sc.Version = sarama.V3_3_0_0
	return sc
}

// New connects to the brokers. It returns Noop when publishing is disabled.
func New(cfg Config, log *slog.Logger) (Publisher, error) {
	if !cfg.Enabled() {
		return Noop{}, nil
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisher(producer, cfg.Topic, log), nil
}

// NewKafkaPublisher wraps an existing producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, log *slog.Logger) *KafkaPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return errors.Join(ErrEncodingFailed, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.UserID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.Type)},
		},
		Timestamp: e.OccurredAt,
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return errors.Join(ErrPublishFailed, err)
	}

	p.logger.DebugContext(ctx, "event published",
		slog.String("type", e.Type),
		logger.UserID(e.UserID),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Safe publishes and logs failures instead of returning them.
func Safe(ctx context.Context, pub Publisher, log *slog.Logger, e Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, e); err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.WarnContext(ctx, "failed to publish event",
			slog.String("type", e.Type), logger.UserID(e.UserID), logger.Error(err))
	}
}
