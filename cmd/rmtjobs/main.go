// Command rmtjobs runs tip lifecycle and scoring jobs once, for cron and
// operators.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ratemytip/internal/app"
	"ratemytip/internal/config"
	"ratemytip/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rmtjobs",
	Short: "Run RMT tip evaluation, expiry, scoring and snapshot jobs once",
	Long: `rmtjobs runs a single job against the configured stores and exits.
Every job is idempotent, so it is safe to schedule from cron alongside
rmtserver replicas.

Examples:
  rmtjobs run                       # evaluate, expire, score, snapshot
  rmtjobs evaluate --tip 7f1c...    # one tip
  rmtjobs score --creator c42
  rmtjobs report --format csv --limit 100 --out leaderboard.csv
  rmtjobs migrate`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads configuration, builds the App and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, adjust func(*config.Config), fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if adjust != nil {
		adjust(cfg)
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

	return fn(ctx, a)
}

// printJSON writes v to stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runErrors turns a batch's per-entity failures into a non-zero exit.
func runErrors(log zerolog.Logger, job string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	for _, e := range errs {
		log.Error().Str("job", job).Msg(e)
	}
	return fmt.Errorf("%s: %d errors", job, len(errs))
}
