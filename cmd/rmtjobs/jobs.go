package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"ratemytip/internal/app"
	"ratemytip/internal/config"
	"ratemytip/internal/orchestrator"
)

var (
	tipID         string
	creatorID     string
	skipSnapshots bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate open tips against current prices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, nil, func(ctx context.Context, a *app.App) error {
			if tipID != "" {
				out, err := a.Evaluator.EvaluateTip(ctx, tipID)
				if err != nil {
					return err
				}
				if out == nil {
					return printJSON(cmd, map[string]string{"tip_id": tipID, "result": "unchanged"})
				}
				return printJSON(cmd, out.Event())
			}
			res, err := a.Evaluator.Run(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return runErrors(a.Log, "evaluate", res.Errors)
		})
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire open tips past their horizon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, nil, func(ctx context.Context, a *app.App) error {
			res, err := a.Sweeper.Run(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return runErrors(a.Log, "expire", res.Errors)
		})
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Recompute creator RMT scores",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, nil, func(ctx context.Context, a *app.App) error {
			if creatorID != "" {
				score, err := a.Recalculator.Recalculate(ctx, creatorID)
				if err != nil {
					return err
				}
				if score == nil {
					return printJSON(cmd, map[string]string{"creator_id": creatorID, "status": "unrated"})
				}
				return printJSON(cmd, score)
			}
			res, err := a.Recalculator.RecalculateAll(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return runErrors(a.Log, "score", res.Errors)
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Record today's score snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, nil, func(ctx context.Context, a *app.App) error {
			if creatorID != "" {
				snap, err := a.Recorder.RecordCreator(ctx, creatorID)
				if err != nil {
					return err
				}
				if snap == nil {
					return printJSON(cmd, map[string]string{"creator_id": creatorID, "status": "unrated"})
				}
				return printJSON(cmd, snap)
			}
			res, err := a.Recorder.RecordAll(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return runErrors(a.Log, "snapshot", res.Errors)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full cycle: evaluate, expire, score, snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, nil, func(ctx context.Context, a *app.App) error {
			o := a.Orchestrator
			if skipSnapshots {
				o = orchestrator.New(orchestrator.Options{
					Evaluator:     a.Evaluator,
					Sweeper:       a.Sweeper,
					Recalculator:  a.Recalculator,
					Snapshots:     a.Recorder,
					SkipSnapshots: true,
					Logger:        a.Log,
				})
			}
			if creatorID != "" {
				score, err := o.RunCreator(ctx, creatorID)
				if err != nil {
					return err
				}
				return printJSON(cmd, score)
			}
			res, err := o.Run(ctx)
			if res != nil {
				if perr := printJSON(cmd, res); perr != nil {
					return errors.Join(err, perr)
				}
			}
			if err != nil {
				return err
			}
			return runErrors(a.Log, "run", res.Errors)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply Postgres and ClickHouse migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		force := func(cfg *config.Config) {
			cfg.Postgres.Migrate = true
			cfg.ClickHouse.Migrate = true
		}
		return withApp(cmd, force, func(_ context.Context, a *app.App) error {
			if a.Config.Storage.Backend == config.BackendMemory && a.Config.ClickHouse.DSN == "" {
				return errors.New("nothing to migrate: memory backend without clickhouse")
			}
			a.Log.Info().Msg("migrations applied")
			return nil
		})
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&tipID, "tip", "", "Evaluate only this tip")
	scoreCmd.Flags().StringVar(&creatorID, "creator", "", "Score only this creator")
	snapshotCmd.Flags().StringVar(&creatorID, "creator", "", "Snapshot only this creator")
	runCmd.Flags().StringVar(&creatorID, "creator", "", "Rescore and snapshot only this creator")
	runCmd.Flags().BoolVar(&skipSnapshots, "skip-snapshots", false, "Do not write snapshot rows")

	rootCmd.AddCommand(evaluateCmd, expireCmd, scoreCmd, snapshotCmd, runCmd, migrateCmd)
}
