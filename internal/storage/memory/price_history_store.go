package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

// PriceHistoryStore is an in-memory implementation of storage.PriceHistoryStore.
type PriceHistoryStore struct {
	mu   sync.RWMutex
	data map[string][]*domain.PriceTick // keyed by instrument_id, sorted by ts ASC
}

// NewPriceHistoryStore creates a new in-memory price history store.
func NewPriceHistoryStore() *PriceHistoryStore {
	return &PriceHistoryStore{
		data: make(map[string][]*domain.PriceTick),
	}
}

// InsertBulk appends ticks. A tick at an existing (instrument_id, ts) replaces it.
func (s *PriceHistoryStore) InsertBulk(_ context.Context, ticks []*domain.PriceTick) error {
	if len(ticks) == 0 {
		return nil
	}
	for _, t := range ticks {
		if t == nil || t.InstrumentID == "" || t.Price <= 0 {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range ticks {
		c := *t
		series := s.data[c.InstrumentID]
		i := sort.Search(len(series), func(i int) bool {
			return !series[i].Timestamp.Before(c.Timestamp)
		})
		if i < len(series) && series[i].Timestamp.Equal(c.Timestamp) {
			series[i] = &c
			continue
		}
		series = append(series, nil)
		copy(series[i+1:], series[i:])
		series[i] = &c
		s.data[c.InstrumentID] = series
	}
	return nil
}

// PriceAtOrBefore returns the latest tick at or before ts.
func (s *PriceHistoryStore) PriceAtOrBefore(_ context.Context, instrumentID string, ts time.Time) (*domain.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.data[instrumentID]
	i := sort.Search(len(series), func(i int) bool {
		return series[i].Timestamp.After(ts)
	})
	if i == 0 {
		return nil, storage.ErrNotFound
	}
	c := *series[i-1]
	return &c, nil
}

// GetByTimeRange returns ticks within [start, end] (inclusive).
func (s *PriceHistoryStore) GetByTimeRange(_ context.Context, instrumentID string, start, end time.Time) ([]*domain.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PriceTick
	for _, t := range s.data[instrumentID] {
		if t.Timestamp.Before(start) || t.Timestamp.After(end) {
			continue
		}
		c := *t
		result = append(result, &c)
	}
	return result, nil
}

var _ storage.PriceHistoryStore = (*PriceHistoryStore)(nil)
