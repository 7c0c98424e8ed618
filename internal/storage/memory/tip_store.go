package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

// TipStore is an in-memory implementation of storage.TipStore.
type TipStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Tip // keyed by id
}

// NewTipStore creates a new in-memory tip store.
func NewTipStore() *TipStore {
	return &TipStore{
		data: make(map[string]*domain.Tip),
	}
}

// Insert adds a new tip. Returns ErrDuplicateKey if id exists.
func (s *TipStore) Insert(_ context.Context, t *domain.Tip) error {
	if t == nil || t.ID == "" || t.CreatorID == "" || t.InstrumentID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.ID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[t.ID] = t.Clone()
	return nil
}

// GetByID retrieves a tip by its ID. Returns ErrNotFound if not exists.
func (s *TipStore) GetByID(_ context.Context, id string) (*domain.Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// UpdateOutcome writes outcome fields when the stored version matches.
func (s *TipStore) UpdateOutcome(_ context.Context, t *domain.Tip, expectedVersion int64) error {
	if t == nil || t.ID == "" || !t.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.data[t.ID]
	if !exists {
		return storage.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return storage.ErrVersionConflict
	}

	next := cur.Clone()
	upd := t.Clone()
	next.Status = upd.Status
	next.ReturnPct = upd.ReturnPct
	next.ResolvedAt = upd.ResolvedAt
	next.StatusUpdatedAt = upd.StatusUpdatedAt
	next.StopLossHitAt = upd.StopLossHitAt
	next.Version = expectedVersion + 1
	s.data[t.ID] = next
	return nil
}

// Flag marks a tip for manual resolution.
func (s *TipStore) Flag(_ context.Context, id, reason string) error {
	if reason == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	r := reason
	t.FlaggedReason = &r
	t.Version++
	return nil
}

// ListOpen returns open tips not yet expired at asOf, ordered by
// instrument_id, posted_at, id.
func (s *TipStore) ListOpen(_ context.Context, asOf time.Time) ([]*domain.Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Tip
	for _, t := range s.data {
		if t.IsOpen() && t.ExpiresAt.After(asOf) {
			result = append(result, t.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		if !a.PostedAt.Equal(b.PostedAt) {
			return a.PostedAt.Before(b.PostedAt)
		}
		return a.ID < b.ID
	})

	return result, nil
}

// ListOpenExpiredBefore returns open tips with expires_at <= cutoff.
func (s *TipStore) ListOpenExpiredBefore(_ context.Context, cutoff time.Time) ([]*domain.Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Tip
	for _, t := range s.data {
		if t.IsOpen() && !t.ExpiresAt.After(cutoff) {
			result = append(result, t.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(result[j].ExpiresAt)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// ListResolvedByCreator returns resolved tips of a creator with outcome time >= since.
func (s *TipStore) ListResolvedByCreator(_ context.Context, creatorID string, since time.Time) ([]*domain.Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.resolvedLocked(creatorID, since), nil
}

// resolvedLocked requires s.mu held.
func (s *TipStore) resolvedLocked(creatorID string, since time.Time) []*domain.Tip {
	var result []*domain.Tip
	for _, t := range s.data {
		if t.CreatorID != creatorID || !t.Status.IsResolved() || t.ReturnPct == nil {
			continue
		}
		if t.OutcomeAt().Before(since) {
			continue
		}
		result = append(result, t.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].OutcomeAt(), result[j].OutcomeAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ListCreatorIDs returns every creator having at least one tip, sorted.
func (s *TipStore) ListCreatorIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, t := range s.data {
		seen[t.CreatorID] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var _ storage.TipStore = (*TipStore)(nil)
