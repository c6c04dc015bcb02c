package projector

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/Mindburn-Labs/keel/pkg/envelope"
)

// Message is one consumed log entry plus the handle needed to commit it.
type Message struct {
	Envelope envelope.Envelope
	// DecodeErr is set when the entry could not be decoded into an envelope;
	// such messages go straight to poison.
	DecodeErr error
	// Raw is the unparsed value, kept for poison entries.
	Raw       []byte
	Partition int
	Offset    int64

	raw kafka.Message
}

// Source is the log consumption port. Fetch blocks until a message arrives
// or ctx is done; Commit persists the consumer-group offset.
type Source interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// KafkaSource reads one topic through a consumer group. Partition assignment
// and rebalancing come from the group protocol; offsets are committed only
// after the projector has durably handled the message.
type KafkaSource struct {
	reader *kafka.Reader
}

func NewKafkaSource(brokers []string, groupID, topic string) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1e3,
			MaxBytes: 10e6,
		}),
	}
}

func (s *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	env, decodeErr := envelope.FromHeaders(headers, m.Value)
	return Message{
		Envelope:  env,
		DecodeErr: decodeErr,
		Raw:       m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		raw:       m,
	}, nil
}

func (s *KafkaSource) Commit(ctx context.Context, msg Message) error {
	return s.reader.CommitMessages(ctx, msg.raw)
}

func (s *KafkaSource) Close() error { return s.reader.Close() }
