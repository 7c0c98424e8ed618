package clickhouse

import (
	"context"
	"fmt"
	"time"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

// PriceHistoryStore implements storage.PriceHistoryStore using ClickHouse.
// Rows sharing (instrument_id, ts) collapse in ReplacingMergeTree; reads use FINAL.
type PriceHistoryStore struct {
	conn *Conn
}

// NewPriceHistoryStore creates a new PriceHistoryStore.
func NewPriceHistoryStore(conn *Conn) *PriceHistoryStore {
	return &PriceHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceHistoryStore = (*PriceHistoryStore)(nil)

// InsertBulk appends ticks in a single batch.
func (s *PriceHistoryStore) InsertBulk(ctx context.Context, ticks []*domain.PriceTick) error {
	if len(ticks) == 0 {
		return nil
	}
	for _, t := range ticks {
		if t == nil || t.InstrumentID == "" || t.Price <= 0 {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO price_ticks (instrument_id, ts, price)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range ticks {
		if err := batch.Append(t.InstrumentID, t.Timestamp.UTC(), t.Price); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// PriceAtOrBefore returns the latest tick at or before ts.
func (s *PriceHistoryStore) PriceAtOrBefore(ctx context.Context, instrumentID string, ts time.Time) (*domain.PriceTick, error) {
	query := `
		SELECT instrument_id, ts, price
		FROM price_ticks FINAL
		WHERE instrument_id = ? AND ts <= ?
		ORDER BY ts DESC
		LIMIT 1
	`

	ticks, err := s.query(ctx, query, instrumentID, ts.UTC())
	if err != nil {
		return nil, fmt.Errorf("price at or before: %w", err)
	}
	if len(ticks) == 0 {
		return nil, storage.ErrNotFound
	}
	return ticks[0], nil
}

// GetByTimeRange returns ticks within [start, end], ordered by ts ASC.
func (s *PriceHistoryStore) GetByTimeRange(ctx context.Context, instrumentID string, start, end time.Time) ([]*domain.PriceTick, error) {
	query := `
		SELECT instrument_id, ts, price
		FROM price_ticks FINAL
		WHERE instrument_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`

	ticks, err := s.query(ctx, query, instrumentID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("get ticks by time range: %w", err)
	}
	return ticks, nil
}

func (s *PriceHistoryStore) query(ctx context.Context, query string, args ...any) ([]*domain.PriceTick, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*domain.PriceTick
	for rows.Next() {
		var t domain.PriceTick
		if err := rows.Scan(&t.InstrumentID, &t.Timestamp, &t.Price); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		result = append(result, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticks: %w", err)
	}
	return result, nil
}
