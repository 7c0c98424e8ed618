// Package events publishes tip status changes to downstream collaborators.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"ratemytip/internal/domain"
)

// Publisher delivers TipStatusChanged events.
// Delivery is at-least-once; consumers key on (tip_id, to).
type Publisher interface {
	Publish(ctx context.Context, events ...domain.TipStatusChanged) error
}

// Noop discards events.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, ...domain.TipStatusChanged) error { return nil }

// Recorder keeps events in memory. Used by the memory backend and tests.
type Recorder struct {
	mu     sync.Mutex
	events []domain.TipStatusChanged
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, events ...domain.TipStatusChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.TipStatusChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TipStatusChanged, len(r.events))
	copy(out, r.events)
	return out
}

// KafkaConfig configures KafkaPublisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	RequiredAcks int
	Compression  string
	MaxAttempts  int
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// KafkaPublisher writes events as JSON keyed by tip ID, so every tip's
// events land on one partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}

	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
	}}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...domain.TipStatusChanged) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := Messages(events)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write tip events: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Messages encodes events as Kafka messages keyed by tip ID.
func Messages(events []domain.TipStatusChanged) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		v, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", ev.TipID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.TipID),
			Value: v,
			Time:  ev.OccurredAt,
		})
	}
	return msgs, nil
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}
