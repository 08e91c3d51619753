package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/shopper-dispatch/internal/models"
)

// KafkaSource reads change events mirrored to a Kafka topic. Events are
// keyed by request id, so a single request's events stay in one partition
// and keep their order.
type KafkaSource struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  *slog.Logger
}

func (k *KafkaSource) Subscribe(ctx context.Context) (<-chan models.ChangeEvent, error) {
	logger := k.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: k.Brokers, Topic: k.Topic, GroupID: k.GroupID, MinBytes: 1, MaxBytes: 10e6})
	out := make(chan models.ChangeEvent, 256)

	go func() {
		defer close(out)
		defer func() { _ = r.Close() }()

		backoff := time.Second
		const maxBackoff = 30 * time.Second
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", "topic", k.Topic, "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second

			var ev models.ChangeEvent
			if err := json.Unmarshal(m.Value, &ev); err != nil {
				logger.Warn("invalid change event", "offset", m.Offset, "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
