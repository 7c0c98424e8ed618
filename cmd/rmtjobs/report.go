package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ratemytip/internal/app"
	"ratemytip/internal/queue"
	"ratemytip/internal/reporting"
)

var (
	reportFormat string
	reportLimit  int
	reportDays   int
	reportOut    string
	dlqLimit     int64
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render the creator leaderboard and score trends",
	Long: `Render the top creators by RMT score with their snapshot trend.

Formats:
  markdown   full report
  csv        leaderboard rows
  trend-csv  trend rows`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		switch reportFormat {
		case "markdown", "csv", "trend-csv":
		default:
			return fmt.Errorf("unknown format %q", reportFormat)
		}
		return withApp(cmd, nil, func(ctx context.Context, a *app.App) error {
			r, err := a.Reporter().Generate(ctx, reportLimit, reportDays)
			if err != nil {
				return err
			}

			var out string
			switch reportFormat {
			case "csv":
				out = reporting.RenderLeaderboardCSV(r.Leaderboard)
			case "trend-csv":
				out = reporting.RenderTrendCSV(r.Trends)
			default:
				out = reporting.RenderMarkdown(r)
			}

			if reportOut == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), out)
				return err
			}
			if err := os.WriteFile(reportOut, []byte(out), 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			a.Log.Info().Str("path", reportOut).Int("creators", len(r.Leaderboard)).Msg("report written")
			return nil
		})
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered queue messages",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, nil, func(ctx context.Context, a *app.App) error {
			if a.Redis == nil {
				return fmt.Errorf("dlq requires redis.addr")
			}
			q := queue.NewRedisQueue(a.Log, a.Config.Queue, a.Redis, queue.ModeProducerOnly)
			msgs, err := q.DeadLetters(ctx, dlqLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, msgs)
		})
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFormat, "format", "markdown", "Output format: markdown, csv, trend-csv")
	reportCmd.Flags().IntVar(&reportLimit, "limit", reporting.DefaultLimit, "Number of creators")
	reportCmd.Flags().IntVar(&reportDays, "days", reporting.DefaultTrendDays, "Trend window in days")
	reportCmd.Flags().StringVar(&reportOut, "out", "", "Write to file instead of stdout")
	dlqCmd.Flags().Int64Var(&dlqLimit, "limit", 50, "Maximum messages to list")

	rootCmd.AddCommand(reportCmd, dlqCmd)
}
