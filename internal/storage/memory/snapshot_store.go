package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

// SnapshotStore is an in-memory implementation of storage.SnapshotStore.
type SnapshotStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ScoreSnapshot // keyed by (creator_id, date)
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		data: make(map[string]*domain.ScoreSnapshot),
	}
}

func snapshotKey(creatorID string, date time.Time) string {
	return creatorID + "|" + date.Format("2006-01-02")
}

// Upsert inserts the snapshot or replaces the row for the same day.
func (s *SnapshotStore) Upsert(_ context.Context, snap *domain.ScoreSnapshot) error {
	if snap == nil || snap.CreatorID == "" || snap.Date.IsZero() {
		return storage.ErrInvalidInput
	}

	c := *snap
	c.Date = domain.SnapshotDate(snap.Date)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[snapshotKey(c.CreatorID, c.Date)] = &c
	return nil
}

// GetByCreatorRange returns snapshots with date in [from, to], ordered by date ASC.
func (s *SnapshotStore) GetByCreatorRange(_ context.Context, creatorID string, from, to time.Time) ([]*domain.ScoreSnapshot, error) {
	from, to = domain.SnapshotDate(from), domain.SnapshotDate(to)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ScoreSnapshot
	for _, snap := range s.data {
		if snap.CreatorID != creatorID || snap.Date.Before(from) || snap.Date.After(to) {
			continue
		}
		c := *snap
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Date.Before(result[j].Date)
	})

	return result, nil
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)
