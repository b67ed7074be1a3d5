package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/logger"

	"github.com/segmentio/kafka-go"
)

// messageWriter kafka.Writer 的最小接口
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 基于 kafka-go 的事件发布
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher 创建 Kafka 事件发布器
func NewKafkaPublisher(cfg config.EventsConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = constants.EventTopicPaymentStatus
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: writer, topic: topic}, nil
}

// PublishPaymentStatus 以支付单 ID 为 key 投递，保证同一支付单的事件有序
func (p *KafkaPublisher) PublishPaymentStatus(ctx context.Context, event PaymentStatusChanged) error {
	if p == nil || p.writer == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(event.PaymentID), 10)),
		Value: body,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("payment_status_changed")},
			{Key: "to_status", Value: []byte(event.ToStatus)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logger.Component("events").Warnw("kafka_publish_payment_status_failed",
			"topic", p.topic,
			"payment_id", event.PaymentID,
			"to_status", event.ToStatus,
			"error", err,
		)
		return fmt.Errorf("publish payment status: %w", err)
	}
	return nil
}

// Close 关闭 writer
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// NewPublisher 按配置创建事件发布器，未启用时返回 NoopPublisher
func NewPublisher(cfg config.EventsConfig) Publisher {
	if !cfg.Enabled {
		return NoopPublisher{}
	}
	publisher, err := NewKafkaPublisher(cfg)
	if err != nil {
		logger.Warnw("events_kafka_init_failed", "error", err)
		return NoopPublisher{}
	}
	return publisher
}
