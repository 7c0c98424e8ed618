// Package orchestrator runs the batch jobs as one cycle.
// Flow: evaluate → expire → score → snapshot
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ratemytip/internal/domain"
	"ratemytip/internal/evaluator"
	"ratemytip/internal/expiry"
	"ratemytip/internal/scoring"
	"ratemytip/internal/snapshot"
)

// Orchestrator coordinates one full job cycle.
type Orchestrator struct {
	evaluator    *evaluator.Evaluator
	sweeper      *expiry.Sweeper
	recalculator *scoring.Recalculator
	snapshots    *snapshot.Recorder

	skipSnapshots bool
	log           zerolog.Logger
}

// Options for creating Orchestrator.
type Options struct {
	// Required components
	Evaluator    *evaluator.Evaluator
	Sweeper      *expiry.Sweeper
	Recalculator *scoring.Recalculator
	Snapshots    *snapshot.Recorder

	SkipSnapshots bool // score without writing the daily rows
	Logger        zerolog.Logger
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		evaluator:     opts.Evaluator,
		sweeper:       opts.Sweeper,
		recalculator:  opts.Recalculator,
		snapshots:     opts.Snapshots,
		skipSnapshots: opts.SkipSnapshots,
		log:           opts.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// RunResult contains results from one cycle.
type RunResult struct {
	TipsEvaluated     int
	TipsTransitioned  int
	TipsSkipped       int
	TipsFlagged       int
	TipsExpired       int
	CreatorsScored    int
	CreatorsCleared   int
	SnapshotsRecorded int
	Errors            []string
}

// Run executes the full cycle.
// Phases:
//  1. Evaluate open tips against live prices
//  2. Expire tips past their timeframe
//  3. Recalculate every creator score
//  4. Record today's snapshots
//
// A phase failing to start aborts the cycle; per-entity failures are
// collected in Errors.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{}

	o.log.Info().Msg("phase 1: evaluating open tips")
	evalRes, err := o.evaluator.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("phase 1 (evaluate) failed: %w", err)
	}
	result.TipsEvaluated = evalRes.Evaluated
	result.TipsTransitioned = evalRes.Transitioned
	result.TipsSkipped = evalRes.Skipped
	result.TipsFlagged = evalRes.Flagged
	result.Errors = append(result.Errors, evalRes.Errors...)

	o.log.Info().Msg("phase 2: expiring tips")
	expRes, err := o.sweeper.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("phase 2 (expire) failed: %w", err)
	}
	result.TipsExpired = expRes.Expired
	result.TipsSkipped += expRes.Skipped
	result.TipsFlagged += expRes.Flagged
	result.Errors = append(result.Errors, expRes.Errors...)

	o.log.Info().Msg("phase 3: recalculating scores")
	scoreRes, err := o.recalculator.RecalculateAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("phase 3 (score) failed: %w", err)
	}
	result.CreatorsScored = scoreRes.Scored
	result.CreatorsCleared = scoreRes.Cleared
	result.Errors = append(result.Errors, scoreRes.Errors...)

	if o.skipSnapshots {
		o.log.Info().Msg("phase 4: skipping snapshots")
	} else {
		o.log.Info().Msg("phase 4: recording snapshots")
		snapRes, err := o.snapshots.RecordAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("phase 4 (snapshot) failed: %w", err)
		}
		result.SnapshotsRecorded = snapRes.Recorded
		result.Errors = append(result.Errors, snapRes.Errors...)
	}

	o.log.Info().
		Int("evaluated", result.TipsEvaluated).
		Int("transitioned", result.TipsTransitioned).
		Int("expired", result.TipsExpired).
		Int("scored", result.CreatorsScored).
		Int("snapshots", result.SnapshotsRecorded).
		Int("errors", len(result.Errors)).
		Dur("elapsed", time.Since(start)).
		Msg("cycle completed")
	return result, nil
}

// RunCreator recalculates one creator and records its snapshot.
// Returns nil when the creator has no resolved tips.
func (o *Orchestrator) RunCreator(ctx context.Context, creatorID string) (*domain.CreatorScore, error) {
	score, err := o.recalculator.Recalculate(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	if score == nil || o.skipSnapshots {
		return score, nil
	}
	if _, err := o.snapshots.RecordCreator(ctx, creatorID); err != nil {
		return score, err
	}
	return score, nil
}
