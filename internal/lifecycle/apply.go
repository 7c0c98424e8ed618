package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ratemytip/internal/domain"
	"ratemytip/internal/idhash"
	"ratemytip/internal/storage"
)

// ReturnPct computes the percentage return of a call exited at exit,
// sign-flipped for SHORT and rounded half away from zero to 2 decimals.
func ReturnPct(call domain.Call, exit float64) float64 {
	entry := decimal.NewFromFloat(call.EntryPrice)
	if entry.IsZero() {
		return 0
	}
	ret := decimal.NewFromFloat(exit).Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	if call.Direction == domain.DirectionShort {
		ret = ret.Neg()
	}
	v, _ := ret.Round(2).Float64()
	return v
}

// Apply returns a copy of tip with the decision applied at time at.
// The caller must only apply decisions for which Changed is true.
func Apply(tip *domain.Tip, d Decision, at time.Time) *domain.Tip {
	out := tip.Clone()
	at = at.UTC()

	if d.Next != out.Status {
		out.Status = d.Next
	}
	out.StatusUpdatedAt = at

	if d.ExitPrice > 0 && d.Next != domain.StatusRejected {
		r := ReturnPct(out.Call, d.ExitPrice)
		out.ReturnPct = &r
	}
	if d.StopLossAfterTarget {
		out.StopLossHitAt = &at
	}
	if d.Closed {
		out.ResolvedAt = &at
	}
	return out
}

// Writer is the subset of storage.TipStore used to persist transitions.
type Writer interface {
	GetByID(ctx context.Context, id string) (*domain.Tip, error)
	UpdateOutcome(ctx context.Context, t *domain.Tip, expectedVersion int64) error
}

// Outcome describes a persisted transition.
type Outcome struct {
	Before   *domain.Tip
	After    *domain.Tip
	Decision Decision
	Retried  bool // a version conflict forced a reload
}

// Event builds the status-changed event for the outcome.
func (o *Outcome) Event() domain.TipStatusChanged {
	return domain.TipStatusChanged{
		EventID: idhash.ComputeEventID(o.After.ID, string(o.After.Status),
			o.Decision.StopLossAfterTarget, o.After.StatusUpdatedAt),
		TipID:        o.After.ID,
		CreatorID:    o.After.CreatorID,
		InstrumentID: o.After.InstrumentID,
		From:         o.Before.Status,
		To:           o.After.Status,
		ReturnPct:    o.After.ReturnPct,
		Closed:       o.Decision.Closed,
		StopLossHit:  o.Decision.StopLossAfterTarget,
		OccurredAt:   o.After.StatusUpdatedAt,
		ResolvedAt:   o.After.ResolvedAt,
	}
}

// Advance decides and persists a transition with compare-and-swap on Version.
// On a version conflict the tip is reloaded and the decision is made once more
// against the fresh state. Returns (nil, nil) when there is nothing to write.
func Advance(ctx context.Context, w Writer, tip *domain.Tip, sig Signal, now time.Time) (*Outcome, error) {
	out, err := advanceOnce(ctx, w, tip, sig, now)
	if !errors.Is(err, storage.ErrVersionConflict) {
		return out, err
	}

	fresh, err := w.GetByID(ctx, tip.ID)
	if err != nil {
		return nil, fmt.Errorf("reload tip %s: %w", tip.ID, err)
	}
	if !acceptsSignal(fresh, sig) {
		return nil, nil
	}
	out, err = advanceOnce(ctx, w, fresh, sig, now)
	if out != nil {
		out.Retried = true
	}
	return out, err
}

func advanceOnce(ctx context.Context, w Writer, tip *domain.Tip, sig Signal, now time.Time) (*Outcome, error) {
	d, err := Transition(tip.Call, tip.Status, sig)
	if err != nil {
		return nil, err
	}
	if !d.Changed(tip.Status) {
		return nil, nil
	}

	next := Apply(tip, d, now)
	if err := w.UpdateOutcome(ctx, next, tip.Version); err != nil {
		return nil, err
	}
	next.Version = tip.Version + 1
	return &Outcome{Before: tip, After: next, Decision: d}, nil
}

// acceptsSignal reports whether a reloaded tip can still take the signal.
func acceptsSignal(t *domain.Tip, sig Signal) bool {
	if _, ok := sig.(ReviewSignal); ok {
		return t.Status == domain.StatusPendingReview
	}
	return t.IsOpen()
}
