package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/events"
)

func TestConfigEnabled(t *testing.T) {
	t.Parallel()
	assert.False(t, events.Config{}.Enabled())
	assert.False(t, events.Config{Brokers: []string{" "}}.Enabled())
	assert.True(t, events.Config{Brokers: []string{"localhost:9092"}}.Enabled())
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	t.Parallel()
	pub, err := events.New(events.Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, events.Noop{}, pub)
	assert.NoError(t, pub.Publish(context.Background(), events.Event{Type: events.GrantIssued}))
	assert.NoError(t, pub.Close())
}

func TestKafkaPublisher(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "entitlements" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "user-1" {
			return errors.New("unexpected key " + string(key))
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var e events.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if e.Type != events.GrantIssued || e.OccurredAt.IsZero() {
			return errors.New("unexpected payload")
		}
		return nil
	})

	pub := events.NewKafkaPublisher(producer, "entitlements", nil)
	err := pub.Publish(context.Background(), events.Event{
		Type:   events.GrantIssued,
		UserID: "user-1",
		Data:   map[string]any{"quantity": 5},
	})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestKafkaPublisherFailure(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := events.NewKafkaPublisher(producer, "entitlements", nil)
	err := pub.Publish(context.Background(), events.Event{Type: events.GrantExpired, UserID: "u"})
	assert.ErrorIs(t, err, events.ErrPublishFailed)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	events.Safe(context.Background(), pub, nil, events.Event{Type: events.GrantExpired, UserID: "u"})
	require.NoError(t, pub.Close())
}
