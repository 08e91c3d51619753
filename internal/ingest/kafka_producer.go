// Package ingest publishes presence updates and request changes to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/shopper-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer keys presence messages by provider id and change events by
// request id. The hash balancer keeps each key on one partition, which is
// what preserves per-request event order for consumers.
type KafkaProducer struct {
	writer        messageWriter
	presenceTopic string
	changesTopic  string
	timeout       time.Duration
}

func NewKafkaProducer(brokers []string, presenceTopic, changesTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, presenceTopic: presenceTopic, changesTopic: changesTopic, timeout: 2 * time.Second}
}

// PublishPresence is a presence mirror writer.
func (k *KafkaProducer) PublishPresence(ctx context.Context, p models.Presence) error {
	return k.publish(ctx, k.presenceTopic, p.ProviderID, p)
}

// PublishChange mirrors a change event.
func (k *KafkaProducer) PublishChange(ctx context.Context, ev models.ChangeEvent) error {
	return k.publish(ctx, k.changesTopic, ev.Request.ID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	if topic == "" {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
