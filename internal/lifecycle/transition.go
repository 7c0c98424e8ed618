// Package lifecycle implements the tip state machine.
// Transition is pure: it maps (call, current status, signal) to a Decision
// without touching storage. Apply and Advance persist a decision.
package lifecycle

import (
	"errors"
	"fmt"

	"ratemytip/internal/domain"
)

// Errors returned by Transition.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidPrice      = errors.New("invalid price")
)

// Signal is an input that may move a tip to another status.
type Signal interface {
	signal()
}

// PriceSignal carries the current market price of the tip's instrument.
type PriceSignal struct {
	Price float64
}

// ExpirySignal fires when the tip's horizon has elapsed.
// LastPrice is the last known price at expiry.
type ExpirySignal struct {
	LastPrice float64
}

// ReviewSignal carries a moderation decision on a pending tip.
// Invalid holds a validation failure found outside the call itself,
// such as an unknown timeframe; approval then rejects the tip.
type ReviewSignal struct {
	Approved bool
	Invalid  error
}

func (PriceSignal) signal()  {}
func (ExpirySignal) signal() {}
func (ReviewSignal) signal() {}

// Decision is the outcome of a transition.
type Decision struct {
	Next      domain.TipStatus
	ExitPrice float64 // level the return is measured against; 0 when no return applies
	Closed    bool    // no further evaluation

	// StopLossAfterTarget is set when the stop was crossed after a target.
	// The status keeps the reached target and the return stays at that level.
	StopLossAfterTarget bool

	// Reason explains a rejection.
	Reason string
}

// Changed reports whether the decision differs from the current state.
func (d Decision) Changed(current domain.TipStatus) bool {
	return d.Next != current || d.Closed
}

// Transition decides the next status for a tip.
// Price checks use the "furthest target reached at time of check" rule:
// the stop loss wins over any target, then the furthest crossed target.
// A status never moves backwards.
func Transition(call domain.Call, current domain.TipStatus, sig Signal) (Decision, error) {
	switch s := sig.(type) {
	case ReviewSignal:
		return review(call, current, s)
	case PriceSignal:
		return price(call, current, s.Price)
	case ExpirySignal:
		return expire(call, current, s.LastPrice)
	default:
		return Decision{}, fmt.Errorf("%w: unknown signal %T", ErrInvalidTransition, sig)
	}
}

func review(call domain.Call, current domain.TipStatus, s ReviewSignal) (Decision, error) {
	if current != domain.StatusPendingReview {
		return Decision{}, fmt.Errorf("%w: review of %s tip", ErrInvalidTransition, current)
	}
	if !s.Approved {
		return Decision{Next: domain.StatusRejected, Closed: true, Reason: "rejected by reviewer"}, nil
	}
	if s.Invalid != nil {
		return Decision{Next: domain.StatusRejected, Closed: true, Reason: s.Invalid.Error()}, nil
	}
	if err := call.Validate(); err != nil {
		return Decision{Next: domain.StatusRejected, Closed: true, Reason: err.Error()}, nil
	}
	return Decision{Next: domain.StatusActive}, nil
}

func price(call domain.Call, current domain.TipStatus, p float64) (Decision, error) {
	if !current.IsEvaluable() {
		return Decision{}, fmt.Errorf("%w: price check on %s tip", ErrInvalidTransition, current)
	}
	if p <= 0 {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalidPrice, p)
	}

	targets := call.Targets()
	reachedIdx := current.TargetIndex()

	if stopCrossed(call, p) {
		if reachedIdx == 0 {
			return Decision{
				Next:      domain.StatusStopLossHit,
				ExitPrice: call.StopLoss,
				Closed:    true,
			}, nil
		}
		return Decision{
			Next:                current,
			ExitPrice:           targets[reachedIdx-1],
			Closed:              true,
			StopLossAfterTarget: true,
		}, nil
	}

	furthest := furthestTarget(call, targets, p)
	if furthest <= reachedIdx {
		return Decision{Next: current}, nil
	}

	// Status names the index reached; reaching the last defined target closes the tip.
	return Decision{
		Next:      domain.TargetStatus(furthest),
		ExitPrice: targets[furthest-1],
		Closed:    furthest == len(targets),
	}, nil
}

// expire closes a tip at its horizon. A last price past the stop or a
// further target means the level was crossed before expiry, so the tip
// resolves at that level instead of EXPIRED.
func expire(call domain.Call, current domain.TipStatus, lastPrice float64) (Decision, error) {
	if !current.IsEvaluable() {
		return Decision{}, fmt.Errorf("%w: expiry of %s tip", ErrInvalidTransition, current)
	}
	if lastPrice <= 0 {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalidPrice, lastPrice)
	}
	if stopCrossed(call, lastPrice) || furthestTarget(call, call.Targets(), lastPrice) > current.TargetIndex() {
		d, err := price(call, current, lastPrice)
		if err != nil {
			return Decision{}, err
		}
		d.Closed = true
		return d, nil
	}
	return Decision{
		Next:      domain.StatusExpired,
		ExitPrice: lastPrice,
		Closed:    true,
	}, nil
}

func stopCrossed(call domain.Call, p float64) bool {
	if call.Direction == domain.DirectionShort {
		return p >= call.StopLoss
	}
	return p <= call.StopLoss
}

// furthestTarget returns the 1-based index of the furthest crossed target, 0 if none.
func furthestTarget(call domain.Call, targets []float64, p float64) int {
	idx := 0
	for i, t := range targets {
		crossed := p >= t
		if call.Direction == domain.DirectionShort {
			crossed = p <= t
		}
		if crossed {
			idx = i + 1
		}
	}
	return idx
}
