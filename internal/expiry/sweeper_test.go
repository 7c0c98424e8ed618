package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratemytip/internal/domain"
	"ratemytip/internal/events"
	"ratemytip/internal/pricefeed"
	"ratemytip/internal/storage/memory"
)

var t0 = time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC)

func intradayTip(id, instrument string, dir domain.Direction) *domain.Tip {
	call := domain.Call{Direction: dir, EntryPrice: 100, Target1: 110, StopLoss: 95}
	if dir == domain.DirectionShort {
		call = domain.Call{Direction: dir, EntryPrice: 100, Target1: 90, StopLoss: 105}
	}
	return &domain.Tip{
		ID:              id,
		CreatorID:       "c1",
		InstrumentID:    instrument,
		Call:            call,
		Timeframe:       domain.TimeframeIntraday,
		PostedAt:        t0,
		ExpiresAt:       t0.Add(24 * time.Hour),
		Status:          domain.StatusActive,
		StatusUpdatedAt: t0,
	}
}

type fixture struct {
	tips    *memory.TipStore
	history *memory.PriceHistoryStore
	live    *pricefeed.Static
	events  *events.Recorder
	now     time.Time
	sweeper *Sweeper
}

func newFixture(t *testing.T, tips ...*domain.Tip) *fixture {
	t.Helper()
	fx := &fixture{
		tips:    memory.NewTipStore(),
		history: memory.NewPriceHistoryStore(),
		live:    pricefeed.NewStatic(nil),
		events:  &events.Recorder{},
		now:     t0.Add(30 * time.Hour),
	}
	for _, tip := range tips {
		require.NoError(t, fx.tips.Insert(context.Background(), tip))
	}
	fx.sweeper = New(Options{
		Tips:   fx.tips,
		Prices: pricefeed.NewHistoryLookup(fx.history, fx.live),
		Events: fx.events,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return fx.now },
	})
	return fx
}

func TestSweeper_UsesPriceAtExpiry(t *testing.T) {
	fx := newFixture(t, intradayTip("t1", "AAA", domain.DirectionLong))
	ctx := context.Background()
	require.NoError(t, fx.history.InsertBulk(ctx, []*domain.PriceTick{
		{InstrumentID: "AAA", Price: 104, Timestamp: t0.Add(23 * time.Hour)},
		{InstrumentID: "AAA", Price: 130, Timestamp: t0.Add(25 * time.Hour)},
	}))
	fx.live.Set("AAA", 150)

	res, err := fx.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, res.Expired)

	got, err := fx.tips.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	require.NotNil(t, got.ReturnPct)
	assert.Equal(t, 4.0, *got.ReturnPct)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, fx.now, *got.ResolvedAt)

	evs := fx.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.StatusActive, evs[0].From)
	assert.Equal(t, domain.StatusExpired, evs[0].To)
	assert.True(t, evs[0].Closed)
}

func TestSweeper_ShortFallsBackToLiveFeed(t *testing.T) {
	fx := newFixture(t, intradayTip("t1", "AAA", domain.DirectionShort))
	fx.live.Set("AAA", 102)

	res, err := fx.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	got, err := fx.tips.GetByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, -2.0, *got.ReturnPct)
}

func TestSweeper_SkipsWithoutPrice(t *testing.T) {
	fx := newFixture(t, intradayTip("t1", "AAA", domain.DirectionLong))

	res, err := fx.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Expired)

	got, err := fx.tips.GetByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestSweeper_IgnoresNotYetDueAndClosed(t *testing.T) {
	notDue := intradayTip("t1", "AAA", domain.DirectionLong)
	notDue.ExpiresAt = t0.Add(48 * time.Hour)

	closed := intradayTip("t2", "AAA", domain.DirectionLong)
	closed.Status = domain.StatusStopLossHit
	at := t0.Add(time.Hour)
	closed.ResolvedAt = &at
	ret := -5.0
	closed.ReturnPct = &ret

	fx := newFixture(t, notDue, closed)
	fx.live.Set("AAA", 101)

	res, err := fx.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Due)
	assert.Empty(t, fx.events.Events())
}

func TestSweeper_ExpiresExactlyOnce(t *testing.T) {
	reached := intradayTip("t1", "AAA", domain.DirectionLong)
	reached.Call.Target2 = ptr(120.0)
	reached.Status = domain.StatusTarget1Hit
	reached.ReturnPct = ptr(10.0)

	fx := newFixture(t, reached)
	fx.live.Set("AAA", 112)
	ctx := context.Background()

	res, err := fx.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	res, err = fx.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)

	got, err := fx.tips.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, 12.0, *got.ReturnPct)
	assert.Equal(t, int64(1), got.Version)
	assert.Len(t, fx.events.Events(), 1)
}

func TestSweeper_StopCrossedBeforeExpiry(t *testing.T) {
	fx := newFixture(t, intradayTip("t1", "AAA", domain.DirectionLong))
	ctx := context.Background()
	require.NoError(t, fx.history.InsertBulk(ctx, []*domain.PriceTick{
		{InstrumentID: "AAA", Price: 92, Timestamp: t0.Add(20 * time.Hour)},
	}))

	res, err := fx.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	got, err := fx.tips.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopLossHit, got.Status)
	assert.Equal(t, -5.0, *got.ReturnPct, "return is capped at the stop level")
	assert.NotNil(t, got.ResolvedAt)
}

func TestSweeper_UnknownInstrumentFlags(t *testing.T) {
	fx := newFixture(t, intradayTip("t1", "GONE", domain.DirectionLong))
	fx.live.Delist("GONE")
	ctx := context.Background()

	res, err := fx.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Flagged)
	assert.Zero(t, res.Skipped)
	assert.Empty(t, res.Errors)

	got, err := fx.tips.GetByID(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.FlaggedReason)
	assert.Equal(t, domain.StatusActive, got.Status)

	res, err = fx.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due, "flagged tips leave the sweep")
}

func ptr[T any](v T) *T { return &v }
