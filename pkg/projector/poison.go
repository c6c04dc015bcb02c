package projector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/envelope"
)

// PoisonEntry wraps an event the projector gave up on, with enough context
// for operations to diagnose and replay it.
type PoisonEntry struct {
	Projector  string            `json:"projector"`
	Reason     string            `json:"reason"`
	Attempts   int               `json:"attempts"`
	FailedAt   time.Time         `json:"failed_at"`
	Headers    map[string]string `json:"headers"`
	Payload    []byte            `json:"payload"`
	Partition  int               `json:"partition"`
	Offset     int64             `json:"offset"`
}

// Poison is the dead-letter port. Park must be durable before the projector
// advances past the event.
type Poison interface {
	Park(ctx context.Context, entry PoisonEntry) error
}

// KafkaPoison parks entries on a dedicated topic.
type KafkaPoison struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaPoison(brokers []string, topic string) *KafkaPoison {
	return &KafkaPoison{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		topic: topic,
	}
}

func (p *KafkaPoison) Park(ctx context.Context, entry PoisonEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return apperr.Internal("encode poison entry", err)
	}
	key := entry.Headers[envelope.HdrTenantID] + "|" + entry.Headers[envelope.HdrAggregateID]
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(key),
		Value: value,
	}); err != nil {
		return apperr.Transient("poison publish failed", err)
	}
	return nil
}

func (p *KafkaPoison) Close() error { return p.writer.Close() }
