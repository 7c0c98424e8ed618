package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratemytip/internal/domain"
	"ratemytip/internal/idhash"
	"ratemytip/internal/storage/memory"
)

var day1 = time.Date(2024, 8, 12, 0, 5, 0, 0, time.UTC)

type fixture struct {
	tips      *memory.TipStore
	scores    *memory.ScoreStore
	snapshots *memory.SnapshotStore
	now       time.Time
	recorder  *Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		tips:      memory.NewTipStore(),
		snapshots: memory.NewSnapshotStore(),
		now:       day1,
	}
	fx.scores = memory.NewScoreStore(fx.tips)
	fx.recorder = New(Options{
		Scores:    fx.scores,
		Snapshots: fx.snapshots,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return fx.now },
	})
	return fx
}

// rate stores a score for creator regardless of its tips.
func (fx *fixture) rate(t *testing.T, creator string, rmt float64, n int) {
	t.Helper()
	_, err := fx.scores.Recompute(context.Background(), creator, time.Time{}, func([]*domain.Tip) *domain.CreatorScore {
		return &domain.CreatorScore{RMTScore: rmt, AccuracyRate: 0.6, TotalScoredTips: n, ConfidenceInterval: 20}
	})
	require.NoError(t, err)
}

func TestRecordCreator(t *testing.T) {
	fx := newFixture(t)
	fx.rate(t, "c1", 71.5, 12)
	ctx := context.Background()

	snap, err := fx.recorder.RecordCreator(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, domain.SnapshotDate(day1), snap.Date)
	assert.Equal(t, idhash.ComputeSnapshotID("c1", day1), snap.ID)
	assert.Equal(t, 71.5, snap.RMTScore)
	assert.Equal(t, 12, snap.TotalScoredTips)
	assert.Equal(t, 20.0, snap.ConfidenceInterval)
}

func TestRecordCreator_UnratedWritesNothing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	snap, err := fx.recorder.RecordCreator(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, snap)

	got, err := fx.recorder.History(ctx, "nobody", day1.AddDate(0, 0, -7), day1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordAll_SameDayUpserts(t *testing.T) {
	fx := newFixture(t)
	fx.rate(t, "c1", 50, 5)
	fx.rate(t, "c2", 60, 8)
	ctx := context.Background()

	res, err := fx.recorder.RecordAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recorded)

	// Later the same day with a changed score: replaced, not duplicated.
	fx.rate(t, "c1", 55, 6)
	fx.now = day1.Add(20 * time.Hour)
	res, err = fx.recorder.RecordAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recorded)

	got, err := fx.recorder.History(ctx, "c1", day1, day1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 55.0, got[0].RMTScore)
	assert.Equal(t, 6, got[0].TotalScoredTips)

	// Next day adds a row.
	fx.now = day1.AddDate(0, 0, 1)
	_, err = fx.recorder.RecordAll(ctx)
	require.NoError(t, err)

	got, err = fx.recorder.History(ctx, "c1", day1.AddDate(0, 0, -1), day1.AddDate(0, 0, 5))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Date.Before(got[1].Date))
}

func TestHistory_InvalidRange(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.recorder.History(context.Background(), "c1", day1, day1.AddDate(0, 0, -1))
	assert.Error(t, err)
}
