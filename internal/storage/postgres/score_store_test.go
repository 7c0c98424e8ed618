package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

func countScore(tips []*domain.Tip) *domain.CreatorScore {
	if len(tips) == 0 {
		return nil
	}
	return &domain.CreatorScore{
		RMTScore:         float64(len(tips)),
		TotalScoredTips:  len(tips),
		SwingAccuracy:    ptr(1.0),
		ScorePeriodStart: t0.AddDate(-1, 0, 0),
		ScorePeriodEnd:   t0,
		CalculatedAt:     t0,
	}
}

func TestScoreStore_RecomputeAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	tips := NewTipStore(pool)
	store := NewScoreStore(pool)
	ctx := context.Background()

	_, err := store.Get(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tip := newTip("t1", "c1", "INFY", domain.StatusTarget1Hit)
	tip.ReturnPct = ptr(10.0)
	require.NoError(t, tips.Insert(ctx, tip))

	sc, err := store.Recompute(ctx, "c1", t0.AddDate(-1, 0, 0), countScore)
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, "c1", sc.CreatorID)

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalScoredTips)
	require.NotNil(t, got.SwingAccuracy)
	assert.Nil(t, got.IntradayAccuracy)

	// Nothing in the window clears the row.
	sc, err = store.Recompute(ctx, "c1", t0.AddDate(1, 0, 0), countScore)
	require.NoError(t, err)
	assert.Nil(t, sc)

	_, err = store.Get(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScoreStore_RecomputeConcurrent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewScoreStore(pool)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		inside    int
		maxInside int
	)
	fn := func([]*domain.Tip) *domain.CreatorScore {
		mu.Lock()
		inside++
		if inside > maxInside {
			maxInside = inside
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inside--
		mu.Unlock()
		return &domain.CreatorScore{ScorePeriodStart: t0, ScorePeriodEnd: t0, CalculatedAt: t0}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Recompute(ctx, "c1", t0, fn)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
}

func TestScoreStore_ListRanked(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewScoreStore(pool)
	ctx := context.Background()

	for id, v := range map[string]float64{"a": 50, "b": 80, "c": 50} {
		score := v
		_, err := store.Recompute(ctx, id, t0, func([]*domain.Tip) *domain.CreatorScore {
			return &domain.CreatorScore{RMTScore: score, ScorePeriodStart: t0, ScorePeriodEnd: t0, CalculatedAt: t0}
		})
		require.NoError(t, err)
	}

	all, err := store.ListRanked(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{all[0].CreatorID, all[1].CreatorID, all[2].CreatorID})

	page, err := store.ListRanked(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].CreatorID)

	_, err = store.ListRanked(ctx, -1, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
