package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/stream"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "t"}); err == nil {
		t.Fatal("brokers required")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"b:9092"}}); err == nil {
		t.Fatal("topic required")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", ""}, Topic: "t"}); err == nil {
		t.Fatal("blank brokers must not count")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"b:9092"}, Topic: "nexus.admission.denied"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = p.Close()
}

func TestPublishEncodesEvent(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	evt := stream.NewEvent("rate_limited")
	evt.Scope = "ai"
	evt.Code = "AI_RATE_LIMIT_EXCEEDED"
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "rate_limited" {
		t.Fatalf("unexpected key %q", w.msgs[0].Key)
	}
	var decoded stream.Event
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Code != "AI_RATE_LIMIT_EXCEEDED" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestPublishNil(t *testing.T) {
	var p *KafkaPublisher
	if err := p.Publish(context.Background(), stream.Event{}); err == nil {
		t.Fatal("nil publisher must error")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
