package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_Append(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "medquery-audit"}

	id := uuid.New()
	rec := &Record{QueryID: &id, PatientRef: "ref-1", Actor: "dr-a", Action: ActionApprove, Outcome: OutcomeSuccess}
	if err := sink.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "ref-1" {
		t.Errorf("expected patient ref as key, got %q", msg.Key)
	}

	var got Record
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Action != ActionApprove || got.QueryID == nil || *got.QueryID != id {
		t.Errorf("unexpected record %+v", got)
	}
	if got.RecordedAt.IsZero() {
		t.Error("expected timestamp")
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["action"] != ActionApprove || headers["outcome"] != OutcomeSuccess {
		t.Errorf("unexpected headers %v", headers)
	}

	if err := sink.Close(); err != nil || !w.closed {
		t.Error("expected writer to be closed")
	}
}

func TestKafkaSink_WriteError(t *testing.T) {
	boom := errors.New("no brokers")
	sink := &KafkaSink{writer: &fakeWriter{err: boom}, topic: "t"}
	if err := sink.Append(context.Background(), &Record{}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped %v, got %v", boom, err)
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink := NewKafkaSink([]string{"localhost:9092"}, "medquery-audit")
	w, ok := sink.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("expected *kafka.Writer, got %T", sink.writer)
	}
	if w.Topic != "medquery-audit" || w.RequiredAcks != kafka.RequireAll {
		t.Errorf("unexpected writer config: topic=%s acks=%v", w.Topic, w.RequiredAcks)
	}
}
