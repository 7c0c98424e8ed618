// Package evaluator checks open tips against live prices and persists
// the resulting status transitions.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ratemytip/internal/domain"
	"ratemytip/internal/events"
	"ratemytip/internal/lifecycle"
	"ratemytip/internal/observability"
	"ratemytip/internal/pricefeed"
	"ratemytip/internal/storage"
)

// DefaultConcurrency bounds parallel instrument evaluation.
const DefaultConcurrency = 8

// Options for creating an Evaluator.
type Options struct {
	Tips   storage.TipStore
	Feed   pricefeed.Feed
	Events events.Publisher
	Logger zerolog.Logger

	Concurrency int
	Now         func() time.Time
}

// Evaluator runs the tip outcome evaluation.
type Evaluator struct {
	tips        storage.TipStore
	feed        pricefeed.Feed
	events      events.Publisher
	log         zerolog.Logger
	concurrency int
	now         func() time.Time
}

// New creates an Evaluator.
func New(opts Options) *Evaluator {
	e := &Evaluator{
		tips:        opts.Tips,
		feed:        opts.Feed,
		events:      opts.Events,
		log:         opts.Logger.With().Str("component", "evaluator").Logger(),
		concurrency: opts.Concurrency,
		now:         opts.Now,
	}
	if e.events == nil {
		e.events = events.Noop{}
	}
	if e.concurrency <= 0 {
		e.concurrency = DefaultConcurrency
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// RunResult contains results from one evaluation run.
type RunResult struct {
	Evaluated    int // tips checked against a price
	Transitioned int // tips whose outcome was written
	Closed       int // of Transitioned, tips that reached a final outcome
	Skipped      int // tips without a price this run
	Flagged      int // tips excluded after a permanent lookup failure
	Conflicts    int // tips left for the next run after a repeated version conflict
	Errors       []string
}

// Run evaluates every open tip that has not reached its expiry. Per-tip
// failures are collected in the result; only a failure to load the open
// tips aborts the run.
func (e *Evaluator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	now := e.now().UTC()
	open, err := e.tips.ListOpen(ctx, now)
	if err != nil {
		observability.RecordJobRun("evaluate", err, time.Since(start))
		return nil, fmt.Errorf("load open tips: %w", err)
	}

	byInstrument := groupByInstrument(open)
	run := &runState{result: &RunResult{}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, group := range byInstrument {
		g.Go(func() error {
			e.evaluateInstrument(gctx, group, now, run)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		observability.RecordJobRun("evaluate", err, time.Since(start))
		return run.result, err
	}

	res := run.result
	observability.RecordJobRun("evaluate", nil, time.Since(start))
	e.log.Info().
		Int("open", len(open)).
		Int("instruments", len(byInstrument)).
		Int("evaluated", res.Evaluated).
		Int("transitioned", res.Transitioned).
		Int("closed", res.Closed).
		Int("skipped", res.Skipped).
		Int("flagged", res.Flagged).
		Int("conflicts", res.Conflicts).
		Int("errors", len(res.Errors)).
		Dur("elapsed", time.Since(start)).
		Msg("evaluation run completed")
	return res, nil
}

// EvaluateTip checks a single tip against the current price.
// Returns the persisted outcome, or nil when nothing changed. Tips at or
// past their expiry are left to the expiry sweep.
func (e *Evaluator) EvaluateTip(ctx context.Context, tipID string) (*lifecycle.Outcome, error) {
	tip, err := e.tips.GetByID(ctx, tipID)
	if err != nil {
		return nil, fmt.Errorf("get tip %s: %w", tipID, err)
	}
	now := e.now().UTC()
	if !tip.IsOpen() || !tip.ExpiresAt.After(now) {
		return nil, nil
	}

	price, err := e.feed.LastPrice(ctx, tip.InstrumentID)
	if err != nil {
		if errors.Is(err, pricefeed.ErrInstrumentNotFound) {
			if ferr := e.flag(ctx, tip, err); ferr != nil {
				return nil, ferr
			}
		}
		return nil, fmt.Errorf("price for %s: %w", tip.InstrumentID, err)
	}

	observability.RecordTipEvaluated()
	out, err := lifecycle.Advance(ctx, e.tips, tip, lifecycle.PriceSignal{Price: price}, now)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			observability.RecordVersionConflict()
		}
		return nil, fmt.Errorf("advance tip %s: %w", tipID, err)
	}
	if out != nil {
		e.publish(ctx, out)
	}
	return out, nil
}

// Review approves or rejects a pending tip. Approval of a tip whose call
// parameters are inconsistent rejects it instead.
func (e *Evaluator) Review(ctx context.Context, tipID string, approved bool) (*domain.Tip, error) {
	tip, err := e.tips.GetByID(ctx, tipID)
	if err != nil {
		return nil, fmt.Errorf("get tip %s: %w", tipID, err)
	}
	if tip.Status != domain.StatusPendingReview {
		return nil, fmt.Errorf("tip %s is %s: %w", tipID, tip.Status, lifecycle.ErrInvalidTransition)
	}
	sig := lifecycle.ReviewSignal{Approved: approved}
	if approved {
		if verr := tip.ValidateCall(); verr != nil {
			e.log.Warn().Err(verr).Str("tip_id", tipID).Msg("rejecting tip with invalid call")
			sig.Invalid = verr
		}
	}

	out, err := lifecycle.Advance(ctx, e.tips, tip, sig, e.now())
	if err != nil {
		return nil, fmt.Errorf("review tip %s: %w", tipID, err)
	}
	if out == nil {
		// Reviewed concurrently.
		return e.tips.GetByID(ctx, tipID)
	}
	e.publish(ctx, out)
	return out.After, nil
}

type runState struct {
	mu     sync.Mutex
	result *RunResult
}

func (r *runState) update(fn func(res *RunResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.result)
}

// evaluateInstrument prices all tips of one instrument with a single lookup.
func (e *Evaluator) evaluateInstrument(ctx context.Context, tips []*domain.Tip, now time.Time, run *runState) {
	instrumentID := tips[0].InstrumentID
	price, err := e.feed.LastPrice(ctx, instrumentID)
	if err != nil {
		if errors.Is(err, pricefeed.ErrInstrumentNotFound) {
			for _, tip := range tips {
				if ferr := e.flag(ctx, tip, err); ferr != nil {
					run.update(func(res *RunResult) {
						res.Errors = append(res.Errors, fmt.Sprintf("flag %s: %v", tip.ID, ferr))
					})
					continue
				}
				run.update(func(res *RunResult) { res.Flagged++ })
			}
			return
		}

		e.log.Warn().Err(err).
			Str("instrument_id", instrumentID).
			Int("tips", len(tips)).
			Msg("price unavailable, skipping instrument")
		run.update(func(res *RunResult) { res.Skipped += len(tips) })
		return
	}

	sig := lifecycle.PriceSignal{Price: price}
	for _, tip := range tips {
		if ctx.Err() != nil {
			return
		}
		observability.RecordTipEvaluated()
		out, err := lifecycle.Advance(ctx, e.tips, tip, sig, now)
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			observability.RecordVersionConflict()
			e.log.Warn().Str("tip_id", tip.ID).Msg("repeated version conflict, leaving tip for next run")
			run.update(func(res *RunResult) {
				res.Evaluated++
				res.Conflicts++
			})
			continue
		case err != nil:
			run.update(func(res *RunResult) {
				res.Evaluated++
				res.Errors = append(res.Errors, fmt.Sprintf("tip %s: %v", tip.ID, err))
			})
			continue
		}

		run.update(func(res *RunResult) {
			res.Evaluated++
			if out != nil {
				res.Transitioned++
				if out.Decision.Closed {
					res.Closed++
				}
			}
		})
		if out != nil {
			e.publish(ctx, out)
		}
	}
}

func (e *Evaluator) flag(ctx context.Context, tip *domain.Tip, cause error) error {
	if err := e.tips.Flag(ctx, tip.ID, cause.Error()); err != nil {
		return err
	}
	observability.RecordTipFlagged()
	e.log.Error().Err(cause).
		Str("tip_id", tip.ID).
		Str("instrument_id", tip.InstrumentID).
		Msg("tip flagged for manual resolution")
	return nil
}

func (e *Evaluator) publish(ctx context.Context, out *lifecycle.Outcome) {
	observability.RecordTransition(string(out.After.Status))
	ev := out.Event()
	e.log.Debug().
		Str("tip_id", ev.TipID).
		Str("from", string(ev.From)).
		Str("to", string(ev.To)).
		Bool("closed", ev.Closed).
		Msg("tip transitioned")
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("tip_id", ev.TipID).Msg("publish status change")
	}
}

// groupByInstrument keeps the store order within each instrument.
func groupByInstrument(tips []*domain.Tip) [][]*domain.Tip {
	idx := make(map[string]int)
	var groups [][]*domain.Tip
	for _, t := range tips {
		i, ok := idx[t.InstrumentID]
		if !ok {
			i = len(groups)
			idx[t.InstrumentID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], t)
	}
	return groups
}
