package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

// ScoreStore is an in-memory implementation of storage.ScoreRepository.
// It reads resolved tips from the TipStore it was built with.
type ScoreStore struct {
	tips *TipStore

	mu    sync.RWMutex
	data  map[string]*domain.CreatorScore // keyed by creator_id
	locks sync.Map                        // creator_id -> *sync.Mutex
}

// NewScoreStore creates a new in-memory score store backed by tips.
func NewScoreStore(tips *TipStore) *ScoreStore {
	return &ScoreStore{
		tips: tips,
		data: make(map[string]*domain.CreatorScore),
	}
}

// Get retrieves the current score. Returns ErrNotFound for unrated creators.
func (s *ScoreStore) Get(_ context.Context, creatorID string) (*domain.CreatorScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, exists := s.data[creatorID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneScore(sc), nil
}

// Recompute replaces or clears the creator's score under a per-creator lock.
func (s *ScoreStore) Recompute(ctx context.Context, creatorID string, since time.Time, fn storage.ScoreFunc) (*domain.CreatorScore, error) {
	if creatorID == "" || fn == nil {
		return nil, storage.ErrInvalidInput
	}

	l, _ := s.locks.LoadOrStore(creatorID, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	tips, err := s.tips.ListResolvedByCreator(ctx, creatorID, since)
	if err != nil {
		return nil, err
	}

	sc := fn(tips)

	s.mu.Lock()
	defer s.mu.Unlock()

	if sc == nil {
		delete(s.data, creatorID)
		return nil, nil
	}
	sc.CreatorID = creatorID
	s.data[creatorID] = cloneScore(sc)
	return sc, nil
}

// ListRanked returns scores ordered by rmt_score DESC, creator_id ASC.
func (s *ScoreStore) ListRanked(_ context.Context, limit, offset int) ([]*domain.CreatorScore, error) {
	if limit < 0 || offset < 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	all := make([]*domain.CreatorScore, 0, len(s.data))
	for _, sc := range s.data {
		all = append(all, cloneScore(sc))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].RMTScore != all[j].RMTScore {
			return all[i].RMTScore > all[j].RMTScore
		}
		return all[i].CreatorID < all[j].CreatorID
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func cloneScore(sc *domain.CreatorScore) *domain.CreatorScore {
	c := *sc
	for _, tf := range domain.Timeframes {
		if v := sc.TimeframeAccuracy(tf); v != nil {
			x := *v
			c.SetTimeframeAccuracy(tf, &x)
		}
	}
	return &c
}

var _ storage.ScoreRepository = (*ScoreStore)(nil)
