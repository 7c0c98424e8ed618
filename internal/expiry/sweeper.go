// Package expiry closes open tips whose timeframe has elapsed.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ratemytip/internal/domain"
	"ratemytip/internal/events"
	"ratemytip/internal/lifecycle"
	"ratemytip/internal/observability"
	"ratemytip/internal/pricefeed"
	"ratemytip/internal/storage"
)

// PriceLookup returns the last known price of an instrument at a point in time.
type PriceLookup interface {
	PriceAt(ctx context.Context, instrumentID string, at time.Time) (float64, error)
}

// Options for creating a Sweeper.
type Options struct {
	Tips   storage.TipStore
	Prices PriceLookup
	Events events.Publisher
	Logger zerolog.Logger
	Now    func() time.Time
}

// Sweeper closes open tips past their expiry, normally as EXPIRED.
type Sweeper struct {
	tips   storage.TipStore
	prices PriceLookup
	events events.Publisher
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a Sweeper.
func New(opts Options) *Sweeper {
	s := &Sweeper{
		tips:   opts.Tips,
		prices: opts.Prices,
		events: opts.Events,
		log:    opts.Logger.With().Str("component", "expiry").Logger(),
		now:    opts.Now,
	}
	if s.events == nil {
		s.events = events.Noop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// RunResult contains results from one sweep.
type RunResult struct {
	Due     int
	Expired int
	Skipped int // no price known at expiry, retried next sweep
	Flagged int // instrument unknown to the price source
	Errors  []string
}

// Run closes every open tip with ExpiresAt at or before now.
func (s *Sweeper) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	now := s.now().UTC()

	due, err := s.tips.ListOpenExpiredBefore(ctx, now)
	if err != nil {
		observability.RecordJobRun("expire", err, time.Since(start))
		return nil, fmt.Errorf("load expired tips: %w", err)
	}

	result := &RunResult{Due: len(due)}
	for _, tip := range due {
		if err := ctx.Err(); err != nil {
			observability.RecordJobRun("expire", err, time.Since(start))
			return result, err
		}

		expired, err := s.expire(ctx, tip, now)
		switch {
		case errors.Is(err, pricefeed.ErrInstrumentNotFound):
			if ferr := s.flag(ctx, tip, err); ferr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("flag %s: %v", tip.ID, ferr))
				continue
			}
			result.Flagged++
		case errors.Is(err, pricefeed.ErrPriceUnavailable):
			result.Skipped++
			s.log.Warn().Err(err).Str("tip_id", tip.ID).Msg("no price at expiry, skipping")
		case err != nil:
			result.Errors = append(result.Errors, fmt.Sprintf("tip %s: %v", tip.ID, err))
		case expired:
			result.Expired++
		}
	}

	observability.RecordJobRun("expire", nil, time.Since(start))
	s.log.Info().
		Int("due", result.Due).
		Int("expired", result.Expired).
		Int("skipped", result.Skipped).
		Int("flagged", result.Flagged).
		Int("errors", len(result.Errors)).
		Dur("elapsed", time.Since(start)).
		Msg("expiry sweep completed")
	return result, nil
}

func (s *Sweeper) expire(ctx context.Context, tip *domain.Tip, now time.Time) (bool, error) {
	price, err := s.prices.PriceAt(ctx, tip.InstrumentID, tip.ExpiresAt)
	if err != nil {
		return false, err
	}

	out, err := lifecycle.Advance(ctx, s.tips, tip, lifecycle.ExpirySignal{LastPrice: price}, now)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			observability.RecordVersionConflict()
		}
		return false, err
	}
	if out == nil {
		// Closed by a concurrent evaluation.
		return false, nil
	}

	observability.RecordTransition(string(out.After.Status))
	if err := s.events.Publish(ctx, out.Event()); err != nil {
		s.log.Error().Err(err).Str("tip_id", tip.ID).Msg("publish status change")
	}
	return true, nil
}

func (s *Sweeper) flag(ctx context.Context, tip *domain.Tip, cause error) error {
	if err := s.tips.Flag(ctx, tip.ID, cause.Error()); err != nil {
		return err
	}
	observability.RecordTipFlagged()
	s.log.Error().Err(cause).
		Str("tip_id", tip.ID).
		Str("instrument_id", tip.InstrumentID).
		Msg("tip flagged for manual resolution")
	return nil
}
