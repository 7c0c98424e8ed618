package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratemytip/internal/api"
	"ratemytip/internal/config"
	"ratemytip/internal/domain"
	"ratemytip/internal/events"
	"ratemytip/internal/jobs"
	"ratemytip/internal/lock"
	"ratemytip/internal/queue"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.PriceFeed.Static = map[string]float64{"NSE:INFY": 1600}
	cfg.Queue.RetryDelay = 10 * time.Millisecond
	return cfg
}

func TestNew_MemoryBackend(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Cache)
	assert.NotNil(t, a.History)
	assert.IsType(t, events.Noop{}, a.Events)
	assert.IsType(t, &lock.MemoryLocker{}, a.Locker)

	p, err := a.Feed.LastPrice(context.Background(), "NSE:INFY")
	require.NoError(t, err)
	assert.Equal(t, 1600.0, p)

	consumer, err := a.NewTickConsumer()
	require.NoError(t, err)
	assert.Nil(t, consumer, "no kafka brokers configured")

	assert.IsType(t, &queue.MemoryQueue{}, a.NewQueue(queue.ModeProducerConsumer))
}

func TestApp_EndToEnd(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	q := a.NewQueue(queue.ModeProducerConsumer)
	require.NoError(t, q.Start())
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	srv := api.NewServer(a.Handler(q), api.ServerConfig{}, zerolog.Nop())
	post := func(path, body string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, req)
		return rec.Code
	}

	// Target 1 is below the static price of 1600, so approval is followed
	// by an evaluation that closes the tip at its only target.
	body := `{"id":"t1","creator_id":"c1","instrument_id":"NSE:INFY","direction":"LONG",
		"entry_price":1500,"target_1":1590,"stop_loss":1450,"timeframe":"INTRADAY"}`
	require.Equal(t, http.StatusCreated, post("/v1/tips", body))
	require.Equal(t, http.StatusOK, post("/v1/tips/t1/review", `{"approved":true}`))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		tip, err := a.Tips.GetByID(ctx, "t1")
		return err == nil && tip.Status == domain.StatusTarget1Hit
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Enqueue(ctx, jobs.TypeRecalculate, jobs.CreatorPayload{CreatorID: "c1"}))
	require.Eventually(t, func() bool {
		_, err := a.Scores.Get(ctx, "c1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	score, err := a.Scores.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, score.TotalScoredTips)
	assert.True(t, score.LowConfidence)

	report, err := a.Reporter().Generate(ctx, 10, 7)
	require.NoError(t, err)
	require.Len(t, report.Leaderboard, 1)
	assert.Equal(t, "c1", report.Leaderboard[0].CreatorID)
}

func TestApp_CycleSkipsWhenLocked(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	tip, err := domain.NewTip("t1", "c1", "NSE:INFY",
		domain.Call{Direction: domain.DirectionLong, EntryPrice: 1500, Target1: 1590, StopLoss: 1450},
		domain.TimeframeSwing, time.Now())
	require.NoError(t, err)
	tip.Status = domain.StatusActive
	require.NoError(t, a.Tips.Insert(ctx, tip))

	token, ok, err := a.Locker.TryLock(ctx, "run:cycle", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Cycle(ctx))
	got, err := a.Tips.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status, "locked cycle does nothing")

	require.NoError(t, a.Locker.Unlock(ctx, "run:cycle", token))
	require.NoError(t, a.Cycle(ctx))
	got, err = a.Tips.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTarget1Hit, got.Status)
}
