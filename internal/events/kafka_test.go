package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/paysettle/internal/config"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByPaymentID(t *testing.T) {
	writer := &fakeWriter{}
	publisher := &KafkaPublisher{writer: writer, topic: "payment.status"}

	event := PaymentStatusChanged{
		PaymentID:  42,
		Reference:  "PAY-1",
		FromStatus: "PROCESSING",
		ToStatus:   "COMPLETED",
		OccurredAt: time.Now(),
	}
	require.NoError(t, publisher.PublishPaymentStatus(context.Background(), event))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "42", string(msg.Key))
	var decoded PaymentStatusChanged
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "COMPLETED", decoded.ToStatus)

	require.NoError(t, publisher.Close())
	assert.True(t, writer.closed)
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	publisher := &KafkaPublisher{writer: writer, topic: "payment.status"}

	err := publisher.PublishPaymentStatus(context.Background(), PaymentStatusChanged{PaymentID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewPublisherFallsBackToNoop(t *testing.T) {
	_, isNoop := NewPublisher(config.EventsConfig{Enabled: false}).(NoopPublisher)
	assert.True(t, isNoop)

	_, isNoop = NewPublisher(config.EventsConfig{Enabled: true, Brokers: []string{" "}}).(NoopPublisher)
	assert.True(t, isNoop)

	_, err := NewKafkaPublisher(config.EventsConfig{Brokers: nil})
	assert.Error(t, err)
}
