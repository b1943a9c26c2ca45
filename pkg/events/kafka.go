package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/stream"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher mirrors admission denial events onto the platform event
// bus for the security team's pipeline. It is optional; the gateway runs
// without it when no brokers are configured.
type KafkaPublisher struct {
	writer kafkaWriter
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt stream.Event) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Type),
		Value: value,
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
