// Package app wires configuration into stores, feeds and job components.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ratemytip/internal/api"
	"ratemytip/internal/config"
	"ratemytip/internal/domain"
	"ratemytip/internal/evaluator"
	"ratemytip/internal/events"
	"ratemytip/internal/expiry"
	"ratemytip/internal/jobs"
	"ratemytip/internal/lock"
	"ratemytip/internal/orchestrator"
	"ratemytip/internal/pricefeed"
	"ratemytip/internal/queue"
	"ratemytip/internal/reporting"
	"ratemytip/internal/scoring"
	"ratemytip/internal/snapshot"
	"ratemytip/internal/storage"
	chstore "ratemytip/internal/storage/clickhouse"
	"ratemytip/internal/storage/memory"
	"ratemytip/internal/storage/migrations"
	pgstore "ratemytip/internal/storage/postgres"
)

// App holds every long-lived component built from a Config.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	Tips      storage.TipStore
	Scores    storage.ScoreRepository
	Snapshots storage.SnapshotStore
	History   storage.PriceHistoryStore // nil without a history backend

	Redis  redis.UniversalClient // nil without redis.addr
	Cache  *pricefeed.RedisCache
	Stream *pricefeed.StreamFeed
	Feed   pricefeed.Feed
	Events events.Publisher
	Locker lock.Locker

	Evaluator    *evaluator.Evaluator
	Sweeper      *expiry.Sweeper
	Recalculator *scoring.Recalculator
	Recorder     *snapshot.Recorder
	Orchestrator *orchestrator.Orchestrator

	health  map[string]api.HealthCheck
	closers []func() error
}

// New connects every configured backend and builds the components.
// On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log, health: make(map[string]api.HealthCheck)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		return nil, err
	}
	if err := a.openFeeds(ctx); err != nil {
		return nil, err
	}
	if err := a.openEvents(); err != nil {
		return nil, err
	}
	a.buildComponents()
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	if cfg.Storage.Backend == config.BackendMemory {
		tips := memory.NewTipStore()
		a.Tips = tips
		a.Scores = memory.NewScoreStore(tips)
		a.Snapshots = memory.NewSnapshotStore()
		a.History = memory.NewPriceHistoryStore()
		a.Log.Warn().Msg("using in-memory storage, data is lost on exit")
		return a.openClickhouse(ctx, false)
	}

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN,
		pgstore.WithMaxConns(cfg.Postgres.MaxConns),
		pgstore.WithConnLifetime(cfg.Postgres.ConnLifetime),
	)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	a.health["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }

	if cfg.Postgres.Migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
	}

	a.Tips = pgstore.NewTipStore(pool)
	a.Scores = pgstore.NewScoreStore(pool)
	a.Snapshots = pgstore.NewSnapshotStore(pool)
	return a.openClickhouse(ctx, cfg.Storage.Snapshots == config.BackendClickhouse)
}

// openClickhouse attaches price history and, when asked, snapshot storage.
func (a *App) openClickhouse(ctx context.Context, snapshots bool) error {
	cfg := a.Config.ClickHouse
	if cfg.DSN == "" {
		return nil
	}

	var (
		conn *chstore.Conn
		err  error
	)
	if cfg.Migrate {
		conn, err = migrations.RunClickhouseMigrations(ctx, cfg.DSN)
	} else {
		conn, err = chstore.NewConn(ctx, cfg.DSN)
	}
	if err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}
	a.closers = append(a.closers, conn.Close)
	a.health["clickhouse"] = func(ctx context.Context) error { return conn.Ping(ctx) }

	a.History = chstore.NewPriceHistoryStore(conn)
	if snapshots {
		a.Snapshots = chstore.NewSnapshotStore(conn)
	}
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		a.Locker = lock.NewMemoryLocker()
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	a.closers = append(a.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	a.Redis = client
	a.Locker = lock.NewRedisLocker(client, cfg.Prefix)
	a.Cache = pricefeed.NewRedisCache(client, cfg.Prefix, a.Config.PriceFeed.CacheTTL)
	a.health["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return nil
}

// openFeeds builds the live price chain: cache, stream, HTTP, static.
func (a *App) openFeeds(ctx context.Context) error {
	cfg := a.Config.PriceFeed
	var chain []pricefeed.Feed

	if cfg.Stream.URL != "" {
		streamCfg := pricefeed.DefaultStreamConfig()
		streamCfg.MaxAge = cfg.Stream.MaxAge
		stream, err := pricefeed.NewStreamFeed(ctx, cfg.Stream.URL, &streamCfg,
			pricefeed.WithStreamLogger(a.Log),
			pricefeed.WithTickHandler(a.recordTick),
		)
		if err != nil {
			return fmt.Errorf("price stream: %w", err)
		}
		a.closers = append(a.closers, stream.Close)
		if len(cfg.Stream.Instruments) > 0 {
			if err := stream.Subscribe(cfg.Stream.Instruments...); err != nil {
				return fmt.Errorf("subscribe price stream: %w", err)
			}
		}
		a.Stream = stream
		chain = append(chain, pricefeed.Instrumented("stream", stream))
	}

	if cfg.HTTP.BaseURL != "" {
		httpFeed := pricefeed.NewHTTPFeed(cfg.HTTP.BaseURL,
			pricefeed.WithTimeout(cfg.HTTP.Timeout),
			pricefeed.WithMaxRetries(cfg.HTTP.MaxRetries),
			pricefeed.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.Burst),
			pricefeed.WithAPIKey(cfg.HTTP.APIKey),
			pricefeed.WithLogger(a.Log),
		)
		chain = append(chain, pricefeed.Instrumented("http", httpFeed))
	}

	if len(cfg.Static) > 0 {
		chain = append(chain, pricefeed.Instrumented("static", pricefeed.NewStatic(cfg.Static)))
	}

	var feed pricefeed.Feed = pricefeed.NewFallback(chain...)
	if a.Cache != nil {
		feed = a.Cache.Wrap(feed)
	}
	a.Feed = feed
	return nil
}

// recordTick copies streamed ticks into history and the shared cache.
func (a *App) recordTick(tick domain.PriceTick) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if a.History != nil {
		if err := a.History.InsertBulk(ctx, []*domain.PriceTick{&tick}); err != nil {
			a.Log.Warn().Err(err).Str("instrument_id", tick.InstrumentID).Msg("store streamed tick")
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Put(ctx, tick); err != nil {
			a.Log.Warn().Err(err).Str("instrument_id", tick.InstrumentID).Msg("cache streamed tick")
		}
	}
}

func (a *App) openEvents() error {
	cfg := a.Config.Kafka
	if len(cfg.Brokers) == 0 {
		a.Events = events.Noop{}
		return nil
	}
	pub, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.EventsTopic,
		RequiredAcks: cfg.RequiredAcks,
		Compression:  cfg.Compression,
	})
	if err != nil {
		return fmt.Errorf("kafka publisher: %w", err)
	}
	a.closers = append(a.closers, pub.Close)
	a.Events = pub
	return nil
}

func (a *App) buildComponents() {
	cfg := a.Config

	a.Evaluator = evaluator.New(evaluator.Options{
		Tips:        a.Tips,
		Feed:        a.Feed,
		Events:      a.Events,
		Logger:      a.Log,
		Concurrency: cfg.Evaluator.Concurrency,
	})
	a.Sweeper = expiry.New(expiry.Options{
		Tips:   a.Tips,
		Prices: pricefeed.NewHistoryLookup(a.History, a.Feed),
		Events: a.Events,
		Logger: a.Log,
	})

	params := scoring.DefaultParams(time.Time{})
	params.Lookback = cfg.Scoring.Lookback()
	params.MinTipsForRating = cfg.Scoring.MinTipsForRating
	params.VolumeSaturation = cfg.Scoring.VolumeSaturation
	params.Z = cfg.Scoring.Z
	a.Recalculator = scoring.NewRecalculator(scoring.Options{
		Tips:        a.Tips,
		Scores:      a.Scores,
		Logger:      a.Log,
		Params:      params,
		Concurrency: cfg.Scoring.Concurrency,
	})

	a.Recorder = snapshot.New(snapshot.Options{
		Scores:    a.Scores,
		Snapshots: a.Snapshots,
		Logger:    a.Log,
	})
	a.Orchestrator = orchestrator.New(orchestrator.Options{
		Evaluator:    a.Evaluator,
		Sweeper:      a.Sweeper,
		Recalculator: a.Recalculator,
		Snapshots:    a.Recorder,
		Logger:       a.Log,
	})
}

// JobDeps returns the queue job dependencies.
func (a *App) JobDeps() jobs.Deps {
	return jobs.Deps{
		Evaluator:    a.Evaluator,
		Sweeper:      a.Sweeper,
		Recalculator: a.Recalculator,
		Snapshots:    a.Recorder,
		Locker:       a.Locker,
		LockTTL:      a.Config.Lock.TTL,
	}
}

// Cycle runs one evaluate, expire, score and snapshot pass while holding
// the cluster-wide cycle lock. A cycle already running elsewhere is skipped.
func (a *App) Cycle(ctx context.Context) error {
	ttl := a.Config.Scheduler.Interval
	if ttl <= 0 {
		ttl = jobs.DefaultLockTTL
	}
	err := lock.With(ctx, a.Locker, "run:cycle", ttl, orchestrator.CycleFunc(a.Orchestrator))
	if errors.Is(err, lock.ErrBusy) {
		a.Log.Info().Msg("cycle running elsewhere, skipped")
		return nil
	}
	return err
}

// NewQueue returns a Redis queue when Redis is configured, an in-process
// queue otherwise, with every job registered.
func (a *App) NewQueue(mode queue.Mode) queue.Queue {
	var q queue.Queue
	if a.Redis != nil {
		q = queue.NewRedisQueue(a.Log, a.Config.Queue, a.Redis, mode)
	} else {
		q = queue.NewMemoryQueue(a.Log, a.Config.Queue, 0)
	}
	jobs.Register(q, a.JobDeps())
	return q
}

// NewTickConsumer returns a Kafka tick consumer feeding history and the
// cache, or nil when Kafka is not configured.
func (a *App) NewTickConsumer() (*pricefeed.TickConsumer, error) {
	cfg := a.Config.Kafka
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	cc := pricefeed.DefaultConsumerConfig()
	cc.Brokers = cfg.Brokers
	cc.Topic = cfg.TicksTopic
	cc.GroupID = cfg.GroupID

	var sinks []pricefeed.TickSink
	if a.History != nil {
		sinks = append(sinks, pricefeed.HistorySink(a.History))
	}
	if a.Cache != nil {
		sinks = append(sinks, a.Cache)
	}
	if len(sinks) == 0 {
		return nil, errors.New("tick consumer has no history or cache to write to")
	}
	return pricefeed.NewTickConsumer(cc, a.Log, sinks...)
}

// Handler builds the HTTP handler publishing jobs to q.
func (a *App) Handler(q queue.Publisher) *api.Handler {
	return api.NewHandler(api.Options{
		Tips:      a.Tips,
		Scores:    a.Scores,
		Snapshots: a.Recorder,
		Reviewer:  a.Evaluator,
		Jobs:      q,
		Logger:    a.Log,
		Health:    a.health,
	})
}

// Reporter builds the report generator.
func (a *App) Reporter() *reporting.Generator {
	return reporting.NewGenerator(a.Scores, a.Snapshots)
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
