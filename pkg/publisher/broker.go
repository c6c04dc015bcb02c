package publisher

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// Broker is the external log port. Publish must be durable on return: the
// outbox row is only marked published after Publish succeeds.
type Broker interface {
	Publish(ctx context.Context, topic, key string, headers map[string]string, payload []byte) error
	Close() error
}

// KafkaBroker publishes to Kafka. The hash balancer keeps all messages with
// one partition key on one partition, which preserves per-aggregate order.
type KafkaBroker struct {
	writer *kafka.Writer
}

func NewKafkaBroker(brokers []string) *KafkaBroker {
	return &KafkaBroker{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (b *KafkaBroker) Publish(ctx context.Context, topic, key string, headers map[string]string, payload []byte) error {
	hdrs := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		hdrs = append(hdrs, kafka.Header{Key: k, Value: []byte(v)})
	}
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Headers: hdrs,
		Value:   payload,
	})
	if err != nil {
		return apperr.Transient("kafka publish failed", err)
	}
	return nil
}

func (b *KafkaBroker) Close() error { return b.writer.Close() }
