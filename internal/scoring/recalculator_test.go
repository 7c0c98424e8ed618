package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
	"ratemytip/internal/storage/memory"
)

func newRecalculator(t *testing.T, tips ...*domain.Tip) (*Recalculator, *memory.TipStore, *memory.ScoreStore) {
	t.Helper()
	tipStore := memory.NewTipStore()
	for _, tip := range tips {
		require.NoError(t, tipStore.Insert(context.Background(), tip))
	}
	scores := memory.NewScoreStore(tipStore)
	r := NewRecalculator(Options{
		Tips:   tipStore,
		Scores: scores,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	})
	return r, tipStore, scores
}

func TestRecalculate_ReplacesScore(t *testing.T) {
	r, tips, scores := newRecalculator(t,
		resolved("t1", domain.StatusTarget1Hit, 10, 3),
		resolved("t2", domain.StatusTarget1Hit, 10, 2),
	)
	ctx := context.Background()

	first, err := r.Recalculate(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 2, first.TotalScoredTips)

	require.NoError(t, tips.Insert(ctx, resolved("t3", domain.StatusStopLossHit, -10, 1)))

	second, err := r.Recalculate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, second.TotalScoredTips)
	assert.Equal(t, 1, second.LossStreak)

	stored, err := scores.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, second.RMTScore, stored.RMTScore)
	assert.Equal(t, 3, stored.TotalScoredTips)
}

func TestRecalculate_ClearsWithoutResolvedTips(t *testing.T) {
	open := resolved("t1", domain.StatusActive, 0, 1)
	open.ReturnPct = nil
	open.ResolvedAt = nil

	r, _, scores := newRecalculator(t, open)
	ctx := context.Background()

	got, err := r.Recalculate(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = scores.Get(ctx, "c1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRecalculate_EmptyCreator(t *testing.T) {
	r, _, _ := newRecalculator(t)
	_, err := r.Recalculate(context.Background(), "")
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestRecalculateAll(t *testing.T) {
	other := resolved("x1", domain.StatusActive, 0, 1)
	other.CreatorID = "c2"
	other.ReturnPct = nil
	other.ResolvedAt = nil

	r, _, scores := newRecalculator(t,
		resolved("t1", domain.StatusTarget1Hit, 10, 3),
		resolved("t2", domain.StatusExpired, -2, 2),
		other,
	)
	ctx := context.Background()

	res, err := r.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Creators)
	assert.Equal(t, 1, res.Scored)
	assert.Equal(t, 1, res.Cleared)
	assert.Empty(t, res.Errors)

	ranked, err := scores.ListRanked(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "c1", ranked[0].CreatorID)
	assert.Equal(t, 0.5, ranked[0].AccuracyRate)
}
