package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidCall is returned when call parameters violate the direction ordering.
var ErrInvalidCall = errors.New("invalid call")

var validate = validator.New()

// Direction is the side of a trading call.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// String returns the string representation of Direction.
func (d Direction) String() string {
	return string(d)
}

// IsValid checks if the direction is a valid value.
func (d Direction) IsValid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Timeframe is the holding horizon declared by the creator.
type Timeframe string

const (
	TimeframeIntraday   Timeframe = "INTRADAY"
	TimeframeSwing      Timeframe = "SWING"
	TimeframePositional Timeframe = "POSITIONAL"
	TimeframeLongTerm   Timeframe = "LONG_TERM"
)

// Timeframes lists all timeframes in reporting order.
var Timeframes = []Timeframe{
	TimeframeIntraday,
	TimeframeSwing,
	TimeframePositional,
	TimeframeLongTerm,
}

// Horizon returns how long a tip with this timeframe stays open.
func (tf Timeframe) Horizon() (time.Duration, bool) {
	switch tf {
	case TimeframeIntraday:
		return 24 * time.Hour, true
	case TimeframeSwing:
		return 14 * 24 * time.Hour, true
	case TimeframePositional:
		return 90 * 24 * time.Hour, true
	case TimeframeLongTerm:
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// ExpiryFor computes expires_at for a tip posted at postedAt.
func ExpiryFor(tf Timeframe, postedAt time.Time) (time.Time, error) {
	h, ok := tf.Horizon()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unknown timeframe %q", ErrInvalidCall, tf)
	}
	return postedAt.Add(h), nil
}

// Call holds the immutable parameters of a trading call.
type Call struct {
	Direction  Direction `validate:"required,oneof=LONG SHORT"`
	EntryPrice float64   `validate:"gt=0"`
	Target1    float64   `validate:"gt=0"`
	Target2    *float64  `validate:"omitempty,gt=0"`
	Target3    *float64  `validate:"omitempty,gt=0"`
	StopLoss   float64   `validate:"gt=0"`
}

// Validate checks field constraints and the direction ordering:
// LONG target1 > entry > stop_loss, SHORT target1 < entry < stop_loss,
// later targets extend further and target3 requires target2.
func (c Call) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}
	if c.Target3 != nil && c.Target2 == nil {
		return fmt.Errorf("%w: target3 requires target2", ErrInvalidCall)
	}

	// beyond reports whether a is strictly further than b in the call direction.
	beyond := func(a, b float64) bool {
		if c.Direction == DirectionLong {
			return a > b
		}
		return a < b
	}

	if !beyond(c.EntryPrice, c.StopLoss) {
		return fmt.Errorf("%w: stop loss %.8g on wrong side of entry %.8g", ErrInvalidCall, c.StopLoss, c.EntryPrice)
	}
	levels := c.Targets()
	prev := c.EntryPrice
	for i, t := range levels {
		if !beyond(t, prev) {
			return fmt.Errorf("%w: target%d %.8g not beyond %.8g", ErrInvalidCall, i+1, t, prev)
		}
		prev = t
	}
	return nil
}

// Targets returns the defined target levels in order.
func (c Call) Targets() []float64 {
	out := []float64{c.Target1}
	if c.Target2 == nil {
		return out
	}
	out = append(out, *c.Target2)
	if c.Target3 != nil {
		out = append(out, *c.Target3)
	}
	return out
}

// RiskPct is the planned loss to stop, as a percentage of entry.
func (c Call) RiskPct() float64 {
	if c.EntryPrice == 0 {
		return 0
	}
	d := c.EntryPrice - c.StopLoss
	if d < 0 {
		d = -d
	}
	return d / c.EntryPrice * 100
}

// RewardRiskRatio is |target1 - entry| / |entry - stop_loss|.
func (c Call) RewardRiskRatio() float64 {
	risk := c.EntryPrice - c.StopLoss
	if risk < 0 {
		risk = -risk
	}
	if risk == 0 {
		return 0
	}
	reward := c.Target1 - c.EntryPrice
	if reward < 0 {
		reward = -reward
	}
	return reward / risk
}

// Tip is a public trading call by a creator with its tracked outcome.
// Corresponds to the tips table.
type Tip struct {
	ID           string
	CreatorID    string
	InstrumentID string

	Call

	Timeframe Timeframe
	PostedAt  time.Time
	ExpiresAt time.Time

	// Outcome
	Status          TipStatus
	ReturnPct       *float64   // set on first target or close, frozen once resolved
	ResolvedAt      *time.Time // set when the tip closes
	StatusUpdatedAt time.Time
	StopLossHitAt   *time.Time // stop crossed after a target was reached
	FlaggedReason   *string    // permanent evaluation failure, excluded from runs

	Version int64 // optimistic concurrency token
}

// NewTip builds a PENDING_REVIEW tip, deriving ExpiresAt from the timeframe.
func NewTip(id, creatorID, instrumentID string, call Call, tf Timeframe, postedAt time.Time) (*Tip, error) {
	if id == "" || creatorID == "" || instrumentID == "" {
		return nil, fmt.Errorf("%w: id, creator and instrument are required", ErrInvalidCall)
	}
	postedAt = postedAt.UTC()
	expiresAt, err := ExpiryFor(tf, postedAt)
	if err != nil {
		return nil, err
	}
	if err := call.Validate(); err != nil {
		return nil, err
	}
	return &Tip{
		ID:              id,
		CreatorID:       creatorID,
		InstrumentID:    instrumentID,
		Call:            call,
		Timeframe:       tf,
		PostedAt:        postedAt,
		ExpiresAt:       expiresAt,
		Status:          StatusPendingReview,
		StatusUpdatedAt: postedAt,
	}, nil
}

// ValidateCall checks the call parameters and the timeframe.
func (t *Tip) ValidateCall() error {
	if _, ok := t.Timeframe.Horizon(); !ok {
		return fmt.Errorf("%w: unknown timeframe %q", ErrInvalidCall, t.Timeframe)
	}
	return t.Call.Validate()
}

// IsOpen reports whether the evaluator should still look at the tip.
func (t *Tip) IsOpen() bool {
	return t.Status.IsEvaluable() && t.ResolvedAt == nil && t.FlaggedReason == nil
}

// OutcomeAt is the time the current outcome was reached.
func (t *Tip) OutcomeAt() time.Time {
	if t.ResolvedAt != nil {
		return *t.ResolvedAt
	}
	return t.StatusUpdatedAt
}

// Clone returns a deep copy.
func (t *Tip) Clone() *Tip {
	c := *t
	c.Target2 = clonePtr(t.Target2)
	c.Target3 = clonePtr(t.Target3)
	c.ReturnPct = clonePtr(t.ReturnPct)
	c.ResolvedAt = clonePtr(t.ResolvedAt)
	c.StopLossHitAt = clonePtr(t.StopLossHitAt)
	c.FlaggedReason = clonePtr(t.FlaggedReason)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
