package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "decisions"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
}

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaConsumer(KafkaConfig{Topic: "decisions", GroupID: "g1"})
	if err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g1"})
	if err == nil {
		t.Fatal("expected error when topic is missing")
	}
	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "decisions"})
	if err == nil {
		t.Fatal("expected error when group id is missing")
	}
}

func TestKafkaConsumerTrimsBrokerList(t *testing.T) {
	t.Parallel()

	consumer, err := NewKafkaConsumer(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "decisions",
		GroupID: "g1",
	})
	if err != nil {
		t.Fatalf("expected valid consumer config, got error: %v", err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaPublisherKeysByOrg(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}

	evt := DecisionEvent{
		InteractionID: "int-1",
		OrgID:         "org-1",
		UAPKID:        "uapk-1",
		AgentID:       "agent-1",
		ActionType:    "payment",
		Decision:      "ALLOW",
		Reasons:       []string{"POLICY_PASSED"},
		Seq:           7,
		RecordHash:    "abc",
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "org-1" {
		t.Fatalf("message key = %q, want org-1", w.msgs[0].Key)
	}
	var got DecisionEvent
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Seq != 7 || got.Decision != "ALLOW" {
		t.Fatalf("payload round-trip mismatch: %+v", got)
	}
}

func TestKafkaPublisherErrors(t *testing.T) {
	var nilPub *KafkaPublisher
	if err := nilPub.Publish(context.Background(), DecisionEvent{}); err == nil {
		t.Fatal("expected error for nil publisher")
	}
	if err := nilPub.Close(); err != nil {
		t.Fatalf("nil close should be no-op: %v", err)
	}

	p := &KafkaPublisher{writer: &fakeKafkaWriter{err: errors.New("broker down")}}
	if err := p.Publish(context.Background(), DecisionEvent{OrgID: "org-1"}); err == nil {
		t.Fatal("expected writer error to surface")
	}
}

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaConsumerReadMessage(t *testing.T) {
	t.Run("nil_guards", func(t *testing.T) {
		var nilConsumer *KafkaConsumer
		if err := nilConsumer.Close(); err != nil {
			t.Fatalf("expected nil close to be no-op, got: %v", err)
		}
		if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
			t.Fatal("expected read error for nil consumer")
		}
	})

	t.Run("reader_error", func(t *testing.T) {
		c := &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("read failed")}}
		if _, err := c.ReadMessage(context.Background()); err == nil {
			t.Fatal("expected reader error")
		}
	})

	t.Run("reader_success", func(t *testing.T) {
		c := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Key: []byte("org-1"), Value: []byte(`{"seq":1}`)}}}
		msg, err := c.ReadMessage(context.Background())
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if string(msg.Key) != "org-1" || string(msg.Value) != `{"seq":1}` {
			t.Fatalf("unexpected message: %+v", msg)
		}
	})
}
