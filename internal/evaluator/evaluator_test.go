package evaluator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratemytip/internal/domain"
	"ratemytip/internal/events"
	"ratemytip/internal/expiry"
	"ratemytip/internal/pricefeed"
	"ratemytip/internal/storage"
	"ratemytip/internal/storage/memory"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func longTip(id, creator, instrument string) *domain.Tip {
	return &domain.Tip{
		ID:           id,
		CreatorID:    creator,
		InstrumentID: instrument,
		Call: domain.Call{
			Direction:  domain.DirectionLong,
			EntryPrice: 100,
			Target1:    110,
			Target2:    f(120),
			StopLoss:   90,
		},
		Timeframe:       domain.TimeframeSwing,
		PostedAt:        t0,
		ExpiresAt:       t0.Add(14 * 24 * time.Hour),
		Status:          domain.StatusActive,
		StatusUpdatedAt: t0,
	}
}

type fixture struct {
	tips   *memory.TipStore
	feed   *pricefeed.Static
	events *events.Recorder
	eval   *Evaluator
}

func newFixture(t *testing.T, tips ...*domain.Tip) *fixture {
	t.Helper()
	store := memory.NewTipStore()
	for _, tip := range tips {
		require.NoError(t, store.Insert(context.Background(), tip))
	}
	fx := &fixture{
		tips:   store,
		feed:   pricefeed.NewStatic(nil),
		events: &events.Recorder{},
	}
	fx.eval = New(Options{
		Tips:        store,
		Feed:        fx.feed,
		Events:      fx.events,
		Logger:      zerolog.Nop(),
		Concurrency: 2,
		Now:         func() time.Time { return t0.Add(time.Hour) },
	})
	return fx
}

func TestRun_TargetAndStopLoss(t *testing.T) {
	fx := newFixture(t,
		longTip("a1", "c1", "AAA"),
		longTip("a2", "c2", "AAA"),
		longTip("b1", "c1", "BBB"),
	)
	fx.feed.Set("AAA", 112)
	fx.feed.Set("BBB", 89)
	ctx := context.Background()

	res, err := fx.eval.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Evaluated)
	assert.Equal(t, 3, res.Transitioned)
	assert.Equal(t, 1, res.Closed)
	assert.Empty(t, res.Errors)

	a1, err := fx.tips.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTarget1Hit, a1.Status)
	require.NotNil(t, a1.ReturnPct)
	assert.Equal(t, 10.0, *a1.ReturnPct)
	assert.Nil(t, a1.ResolvedAt)
	assert.Equal(t, int64(1), a1.Version)

	b1, err := fx.tips.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopLossHit, b1.Status)
	require.NotNil(t, b1.ReturnPct)
	assert.Equal(t, -10.0, *b1.ReturnPct)
	require.NotNil(t, b1.ResolvedAt)

	assert.Len(t, fx.events.Events(), 3)
}

func TestRun_NoChangeNoWrite(t *testing.T) {
	fx := newFixture(t, longTip("a1", "c1", "AAA"))
	fx.feed.Set("AAA", 105)

	res, err := fx.eval.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)
	assert.Zero(t, res.Transitioned)

	got, err := fx.tips.GetByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
	assert.Empty(t, fx.events.Events())
}

func TestRun_RepeatedRunIsIdempotent(t *testing.T) {
	fx := newFixture(t, longTip("a1", "c1", "AAA"))
	fx.feed.Set("AAA", 125)
	ctx := context.Background()

	_, err := fx.eval.Run(ctx)
	require.NoError(t, err)
	res, err := fx.eval.Run(ctx)
	require.NoError(t, err)

	// Closed at the furthest target, so the second run sees nothing open.
	assert.Zero(t, res.Evaluated)
	got, err := fx.tips.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTarget2Hit, got.Status)
	assert.Equal(t, 20.0, *got.ReturnPct)
	assert.NotNil(t, got.ResolvedAt)
	assert.Len(t, fx.events.Events(), 1)
}

func TestRun_UnavailableSkipsAndNotFoundFlags(t *testing.T) {
	fx := newFixture(t,
		longTip("a1", "c1", "AAA"),
		longTip("b1", "c1", "GONE"),
		longTip("c1", "c1", "OK"),
	)
	fx.feed.Delist("GONE")
	fx.feed.Set("OK", 111)
	ctx := context.Background()

	res, err := fx.eval.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Flagged)
	assert.Equal(t, 1, res.Transitioned)

	b1, err := fx.tips.GetByID(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, b1.FlaggedReason)
	assert.Equal(t, domain.StatusActive, b1.Status)

	open, err := fx.tips.ListOpen(ctx, t0)
	require.NoError(t, err)
	ids := make([]string, 0, len(open))
	for _, tip := range open {
		ids = append(ids, tip.ID)
	}
	assert.ElementsMatch(t, []string{"a1", "c1"}, ids)
}

// conflictStore fails every UpdateOutcome with a version conflict.
type conflictStore struct {
	*memory.TipStore
	calls atomic.Int32
}

func (s *conflictStore) UpdateOutcome(context.Context, *domain.Tip, int64) error {
	s.calls.Add(1)
	return storage.ErrVersionConflict
}

func TestRun_RepeatedConflictLeavesTip(t *testing.T) {
	base := memory.NewTipStore()
	require.NoError(t, base.Insert(context.Background(), longTip("a1", "c1", "AAA")))
	store := &conflictStore{TipStore: base}
	feed := pricefeed.NewStatic(map[string]float64{"AAA": 115})

	e := New(Options{Tips: store, Feed: feed, Logger: zerolog.Nop(), Now: func() time.Time { return t0 }})
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, res.Transitioned)
	assert.Equal(t, int32(2), store.calls.Load())
}

// racingStore bumps the stored version once before the first write lands,
// as a concurrent writer would.
type racingStore struct {
	*memory.TipStore
	raced atomic.Bool
}

func (s *racingStore) UpdateOutcome(ctx context.Context, t *domain.Tip, expected int64) error {
	if s.raced.CompareAndSwap(false, true) {
		cur, err := s.TipStore.GetByID(ctx, t.ID)
		if err != nil {
			return err
		}
		cur.StatusUpdatedAt = cur.StatusUpdatedAt.Add(time.Second)
		if err := s.TipStore.UpdateOutcome(ctx, cur, cur.Version); err != nil {
			return err
		}
	}
	return s.TipStore.UpdateOutcome(ctx, t, expected)
}

func TestEvaluateTip_RetriesOnceAfterConflict(t *testing.T) {
	base := memory.NewTipStore()
	require.NoError(t, base.Insert(context.Background(), longTip("a1", "c1", "AAA")))
	store := &racingStore{TipStore: base}
	feed := pricefeed.NewStatic(map[string]float64{"AAA": 121})
	rec := &events.Recorder{}

	e := New(Options{Tips: store, Feed: feed, Events: rec, Logger: zerolog.Nop(), Now: func() time.Time { return t0 }})
	out, err := e.EvaluateTip(context.Background(), "a1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Retried)
	assert.Equal(t, domain.StatusTarget2Hit, out.After.Status)
	assert.True(t, out.Decision.Closed)
	assert.Equal(t, int64(2), out.After.Version)
	assert.Len(t, rec.Events(), 1)
}

func TestEvaluateTip_NotFoundFlags(t *testing.T) {
	fx := newFixture(t, longTip("a1", "c1", "GONE"))
	fx.feed.Delist("GONE")

	_, err := fx.eval.EvaluateTip(context.Background(), "a1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pricefeed.ErrInstrumentNotFound))

	got, err := fx.tips.GetByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.NotNil(t, got.FlaggedReason)
}

func TestEvaluateTip_ClosedTipIgnored(t *testing.T) {
	tip := longTip("a1", "c1", "AAA")
	tip.Status = domain.StatusExpired
	resolved := t0
	tip.ResolvedAt = &resolved
	tip.ReturnPct = f(1)
	fx := newFixture(t, tip)
	fx.feed.Set("AAA", 200)

	out, err := fx.eval.EvaluateTip(context.Background(), "a1")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestReview(t *testing.T) {
	pending := longTip("p1", "c1", "AAA")
	pending.Status = domain.StatusPendingReview

	bad := longTip("p2", "c1", "AAA")
	bad.Status = domain.StatusPendingReview
	bad.StopLoss = 105

	active := longTip("a1", "c1", "AAA")

	fx := newFixture(t, pending, bad, active)
	ctx := context.Background()

	got, err := fx.eval.Review(ctx, "p1", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Nil(t, got.ReturnPct)

	got, err = fx.eval.Review(ctx, "p2", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.NotNil(t, got.ResolvedAt)

	_, err = fx.eval.Review(ctx, "a1", false)
	require.Error(t, err)

	_, err = fx.eval.Review(ctx, "missing", true)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	assert.Len(t, fx.events.Events(), 2)
}

func TestRun_ExpiredTipResolvesAtExpiryPriceInEitherOrder(t *testing.T) {
	orders := map[string][]string{
		"evaluate then expire": {"evaluate", "expire"},
		"expire then evaluate": {"expire", "evaluate"},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tip := longTip("a1", "c1", "AAA")
			store := memory.NewTipStore()
			require.NoError(t, store.Insert(ctx, tip))

			history := memory.NewPriceHistoryStore()
			require.NoError(t, history.InsertBulk(ctx, []*domain.PriceTick{
				{InstrumentID: "AAA", Price: 100, Timestamp: tip.ExpiresAt.Add(-time.Minute)},
			}))
			feed := pricefeed.NewStatic(map[string]float64{"AAA": 115})
			clock := func() time.Time { return tip.ExpiresAt.Add(48 * time.Hour) }

			eval := New(Options{Tips: store, Feed: feed, Logger: zerolog.Nop(), Now: clock})
			sweeper := expiry.New(expiry.Options{
				Tips:   store,
				Prices: pricefeed.NewHistoryLookup(history, feed),
				Logger: zerolog.Nop(),
				Now:    clock,
			})

			for _, step := range order {
				switch step {
				case "evaluate":
					res, err := eval.Run(ctx)
					require.NoError(t, err)
					assert.Zero(t, res.Evaluated, "expired tips are not priced live")
				case "expire":
					_, err := sweeper.Run(ctx)
					require.NoError(t, err)
				}
			}

			got, err := store.GetByID(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusExpired, got.Status)
			require.NotNil(t, got.ReturnPct)
			assert.Equal(t, 0.0, *got.ReturnPct)
		})
	}
}

func TestEvaluateTip_PastExpiryLeftToSweep(t *testing.T) {
	tip := longTip("a1", "c1", "AAA")
	store := memory.NewTipStore()
	require.NoError(t, store.Insert(context.Background(), tip))
	feed := pricefeed.NewStatic(map[string]float64{"AAA": 125})

	e := New(Options{Tips: store, Feed: feed, Logger: zerolog.Nop(), Now: func() time.Time { return tip.ExpiresAt }})
	out, err := e.EvaluateTip(context.Background(), "a1")
	require.NoError(t, err)
	assert.Nil(t, out)

	got, err := store.GetByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Zero(t, got.Version)
}

func TestReview_UnknownTimeframeRejected(t *testing.T) {
	tip := longTip("p1", "c1", "AAA")
	tip.Status = domain.StatusPendingReview
	tip.Timeframe = domain.Timeframe("FORTNIGHTLY")
	fx := newFixture(t, tip)

	got, err := fx.eval.Review(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.NotNil(t, got.ResolvedAt)
}
