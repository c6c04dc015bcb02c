package testkit

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/envelope"
	"github.com/Mindburn-Labs/keel/pkg/projector"
)

// PublishedMessage is one message captured by the Broker.
type PublishedMessage struct {
	Topic   string
	Key     string
	Headers map[string]string
	Payload []byte
}

// Broker captures published messages and supports failure injection, so
// publisher retry paths are testable without a real log.
type Broker struct {
	mu       sync.Mutex
	messages []PublishedMessage
	failures int
	failErr  error
}

func NewBroker() *Broker { return &Broker{} }

// FailNext makes the next n Publish calls return err.
func (b *Broker) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
	b.failErr = err
}

func (b *Broker) Publish(ctx context.Context, topic, key string, headers map[string]string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return b.failErr
	}
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	b.messages = append(b.messages, PublishedMessage{
		Topic:   topic,
		Key:     key,
		Headers: h,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (b *Broker) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (b *Broker) Messages() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishedMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// Source feeds a fixed sequence of messages to a projector and records
// committed offsets.
type Source struct {
	mu        sync.Mutex
	queue     []projector.Message
	committed []int64
	closed    chan struct{}
}

func NewSource() *Source { return &Source{closed: make(chan struct{})} }

// Emit queues an envelope for consumption.
func (s *Source) Emit(env envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, projector.Message{
		Envelope: env,
		Raw:      env.Payload,
		Offset:   int64(len(s.queue) + len(s.committed)),
	})
}

// EmitRaw queues undecodable bytes, as a broken producer would.
func (s *Source) EmitRaw(raw []byte, decodeErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, projector.Message{
		DecodeErr: decodeErr,
		Raw:       append([]byte(nil), raw...),
		Offset:    int64(len(s.queue) + len(s.committed)),
	})
}

func (s *Source) Fetch(ctx context.Context) (projector.Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return projector.Message{}, ctx.Err()
		case <-s.closed:
			return projector.Message{}, context.Canceled
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *Source) Commit(ctx context.Context, msg projector.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msg.Offset)
	return nil
}

func (s *Source) Close() error {
	close(s.closed)
	return nil
}

// Committed returns the committed offsets in commit order.
func (s *Source) Committed() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.committed))
	copy(out, s.committed)
	return out
}
