package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink mirrors audit records to a topic for downstream retention. The
// patient reference is the message key so one patient's records stay
// ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}
}

func (s *KafkaSink) Append(ctx context.Context, rec *Record) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("hipaa audit: marshal: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.PatientRef),
		Value: value,
		Time:  rec.RecordedAt,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(rec.Action)},
			{Key: "outcome", Value: []byte(rec.Outcome)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("hipaa audit: publish to %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
