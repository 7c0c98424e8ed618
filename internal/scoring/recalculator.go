// Package scoring computes creator RMT scores from resolved tips.
package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ratemytip/internal/domain"
	"ratemytip/internal/observability"
	"ratemytip/internal/storage"
)

// Options for creating a Recalculator.
type Options struct {
	Tips   storage.TipStore
	Scores storage.ScoreRepository
	Logger zerolog.Logger

	Params      Params // Now is ignored, the clock below is used
	Concurrency int
	Now         func() time.Time
}

// Recalculator replaces stored creator scores with freshly computed ones.
type Recalculator struct {
	tips        storage.TipStore
	scores      storage.ScoreRepository
	log         zerolog.Logger
	params      Params
	concurrency int
	now         func() time.Time
}

// NewRecalculator creates a Recalculator.
func NewRecalculator(opts Options) *Recalculator {
	r := &Recalculator{
		tips:        opts.Tips,
		scores:      opts.Scores,
		log:         opts.Logger.With().Str("component", "scoring").Logger(),
		params:      opts.Params,
		concurrency: opts.Concurrency,
		now:         opts.Now,
	}
	if r.concurrency <= 0 {
		r.concurrency = 4
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Recalculate recomputes one creator's score inside the store's consistency
// boundary. Returns nil when the creator has no resolved tips; the stored
// record is cleared in that case.
func (r *Recalculator) Recalculate(ctx context.Context, creatorID string) (*domain.CreatorScore, error) {
	if creatorID == "" {
		return nil, fmt.Errorf("creator id: %w", storage.ErrInvalidInput)
	}
	p := r.params
	p.Now = r.now().UTC()
	p = p.withDefaults()

	score, err := r.scores.Recompute(ctx, creatorID, p.WindowStart(), func(tips []*domain.Tip) *domain.CreatorScore {
		return Compute(creatorID, tips, p)
	})
	if err != nil {
		observability.RecordScoreRecalculation("error")
		return nil, fmt.Errorf("recompute %s: %w", creatorID, err)
	}

	if score == nil {
		observability.RecordScoreRecalculation("cleared")
		r.log.Debug().Str("creator_id", creatorID).Msg("no resolved tips, score cleared")
		return nil, nil
	}
	observability.RecordScoreRecalculation("scored")
	r.log.Debug().
		Str("creator_id", creatorID).
		Float64("rmt_score", score.RMTScore).
		Int("tips", score.TotalScoredTips).
		Bool("low_confidence", score.LowConfidence).
		Msg("score recalculated")
	return score, nil
}

// RunResult contains results from a full recalculation.
type RunResult struct {
	Creators int
	Scored   int
	Cleared  int
	Errors   []string
}

// RecalculateAll recomputes every creator having tips, in parallel.
func (r *Recalculator) RecalculateAll(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	creators, err := r.tips.ListCreatorIDs(ctx)
	if err != nil {
		observability.RecordJobRun("score", err, time.Since(start))
		return nil, fmt.Errorf("list creators: %w", err)
	}

	result := &RunResult{Creators: len(creators)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range creators {
		g.Go(func() error {
			score, err := r.Recalculate(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Errors = append(result.Errors, err.Error())
			case score == nil:
				result.Cleared++
			default:
				result.Scored++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		observability.RecordJobRun("score", err, time.Since(start))
		return result, err
	}
	observability.RecordJobRun("score", nil, time.Since(start))
	r.log.Info().
		Int("creators", result.Creators).
		Int("scored", result.Scored).
		Int("cleared", result.Cleared).
		Int("errors", len(result.Errors)).
		Dur("elapsed", time.Since(start)).
		Msg("score recalculation completed")
	return result, nil
}
