// Command rmtserver runs the HTTP API, queue workers, price ingestion and
// the interval scheduler in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ratemytip/internal/api"
	"ratemytip/internal/app"
	"ratemytip/internal/config"
	"ratemytip/internal/logger"
	"ratemytip/internal/orchestrator"
	"ratemytip/internal/queue"
)

var (
	configPath string
	noWorkers  bool
)

var rootCmd = &cobra.Command{
	Use:   "rmtserver",
	Short: "Serve the RMT API and run tip evaluation and scoring in the background",
	Long: `rmtserver accepts tips over HTTP, evaluates open tips against live prices,
expires tips past their horizon, recomputes creator RMT scores and records
daily score snapshots.

Examples:
  rmtserver --config config.yaml
  RMT_STORAGE_BACKEND=postgres RMT_POSTGRES_DSN=postgres://... rmtserver
  rmtserver --no-workers    # API only, jobs run by other replicas`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Only enqueue jobs, never consume them")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close backends")
		}
	}()

	mode := queue.ModeProducerConsumer
	if noWorkers {
		mode = queue.ModeProducerOnly
	}
	q := a.NewQueue(mode)
	if err := q.Start(); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	consumer, err := a.NewTickConsumer()
	if err != nil {
		return err
	}

	server := api.NewServer(a.Handler(q), api.ServerConfig{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })

	if consumer != nil {
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	}

	if cfg.Scheduler.Enabled && !noWorkers {
		sched := orchestrator.NewScheduler(a.Cycle, cfg.Scheduler.Interval, log)
		g.Go(func() error {
			sched.Start(gctx)
			return nil
		})
	}

	log.Info().
		Str("storage", cfg.Storage.Backend).
		Str("addr", cfg.HTTP.Addr).
		Bool("workers", !noWorkers).
		Bool("scheduler", cfg.Scheduler.Enabled && !noWorkers).
		Msg("rmtserver started")

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout+5*time.Second)
	defer cancel()
	if qerr := q.Stop(stopCtx); qerr != nil {
		log.Warn().Err(qerr).Msg("stop queue")
	}

	if err != nil {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}
