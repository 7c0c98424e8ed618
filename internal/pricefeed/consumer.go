package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ratemytip/internal/domain"
	"ratemytip/internal/observability"
	"ratemytip/internal/storage"
)

// TickSink receives ingested ticks.
type TickSink interface {
	Put(ctx context.Context, tick domain.PriceTick) error
}

// TickSinkFunc adapts a function to TickSink.
type TickSinkFunc func(ctx context.Context, tick domain.PriceTick) error

// Put calls f.
func (f TickSinkFunc) Put(ctx context.Context, tick domain.PriceTick) error { return f(ctx, tick) }

// HistorySink appends ticks to price history.
func HistorySink(store storage.PriceHistoryStore) TickSink {
	return TickSinkFunc(func(ctx context.Context, tick domain.PriceTick) error {
		t := tick
		return store.InsertBulk(ctx, []*domain.PriceTick{&t})
	})
}

// ConsumerConfig configures TickConsumer.
type ConsumerConfig struct {
	Brokers    []string
	Topic      string
	GroupID    string
	RetryMax   int
	BackoffMin time.Duration
	BackoffMax time.Duration
	MinBytes   int
	MaxBytes   int
}

// DefaultConsumerConfig returns default consumer configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:      "price-ticks",
		GroupID:    "ratemytip-pricefeed",
		RetryMax:   3,
		BackoffMin: 50 * time.Millisecond,
		BackoffMax: 2 * time.Second,
		MinBytes:   1,
		MaxBytes:   10e6,
	}
}

// TickConsumer reads PriceTick JSON from Kafka and fans ticks out to sinks.
// Offsets are committed after every sink accepted the tick, or after the
// message proved undecodable.
type TickConsumer struct {
	cfg    ConsumerConfig
	reader *kafka.Reader
	sinks  []TickSink
	log    zerolog.Logger
}

// NewTickConsumer creates a consumer group reader on cfg.Topic.
func NewTickConsumer(cfg ConsumerConfig, log zerolog.Logger, sinks ...TickSink) (*TickConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})

	return &TickConsumer{cfg: cfg, reader: reader, sinks: sinks, log: log}, nil
}

// Run consumes until ctx is cancelled.
func (c *TickConsumer) Run(ctx context.Context) error {
	c.log.Info().Str("topic", c.cfg.Topic).Str("group", c.cfg.GroupID).Msg("tick consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.handleWithRetry(ctx, msg.Value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Leave the offset uncommitted so the group redelivers it.
			c.log.Error().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("tick not stored")
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("commit offset")
		}
	}
}

// Close closes the reader.
func (c *TickConsumer) Close() error {
	return c.reader.Close()
}

func (c *TickConsumer) handleWithRetry(ctx context.Context, value []byte) error {
	backoff := c.cfg.BackoffMin
	var err error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
		}
		err = c.Handle(ctx, value)
		if err == nil || errors.Is(err, errBadTick) {
			if err != nil {
				c.log.Warn().Err(err).Msg("dropping undecodable tick")
			}
			return nil
		}
	}
	return err
}

var errBadTick = errors.New("bad tick")

// Handle decodes one message and writes it to every sink.
// Messages carry {"instrument_id","price","ts"}; ts may also be epoch millis.
func (c *TickConsumer) Handle(ctx context.Context, value []byte) error {
	tick, err := DecodeTick(value)
	if err != nil {
		return err
	}

	for _, sink := range c.sinks {
		if err := sink.Put(ctx, tick); err != nil {
			return fmt.Errorf("sink %s: %w", tick.InstrumentID, err)
		}
	}
	observability.RecordTicksIngested("kafka", 1)
	return nil
}

// DecodeTick parses a tick message.
func DecodeTick(value []byte) (domain.PriceTick, error) {
	var raw struct {
		InstrumentID string          `json:"instrument_id"`
		Price        float64         `json:"price"`
		TS           json.RawMessage `json:"ts"`
	}
	if err := json.Unmarshal(value, &raw); err != nil {
		return domain.PriceTick{}, fmt.Errorf("%w: %v", errBadTick, err)
	}
	if raw.InstrumentID == "" || raw.Price <= 0 {
		return domain.PriceTick{}, fmt.Errorf("%w: missing instrument or non-positive price", errBadTick)
	}

	tick := domain.PriceTick{InstrumentID: raw.InstrumentID, Price: raw.Price}
	if len(raw.TS) == 0 || string(raw.TS) == "null" {
		return domain.PriceTick{}, fmt.Errorf("%w: missing ts", errBadTick)
	}

	var ms int64
	if err := json.Unmarshal(raw.TS, &ms); err == nil {
		tick.Timestamp = time.UnixMilli(ms).UTC()
		return tick, nil
	}
	if err := json.Unmarshal(raw.TS, &tick.Timestamp); err != nil {
		return domain.PriceTick{}, fmt.Errorf("%w: ts: %v", errBadTick, err)
	}
	tick.Timestamp = tick.Timestamp.UTC()
	return tick, nil
}
