package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ratemytip/internal/domain"
)

// Composite weights.
const (
	WeightAccuracy     = 0.4
	WeightRiskAdjusted = 0.3
	WeightConsistency  = 0.2
	WeightVolume       = 0.1
)

// Params tunes Compute. Zero fields take the defaults.
type Params struct {
	Now              time.Time
	Lookback         time.Duration
	MinTipsForRating int
	VolumeSaturation float64
	Z                float64 // normal quantile of the confidence interval
}

// DefaultParams returns the production scoring parameters for now.
func DefaultParams(now time.Time) Params {
	return Params{
		Now:              now,
		Lookback:         365 * 24 * time.Hour,
		MinTipsForRating: 20,
		VolumeSaturation: 40,
		Z:                1.96,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams(p.Now)
	if p.Lookback <= 0 {
		p.Lookback = d.Lookback
	}
	if p.MinTipsForRating <= 0 {
		p.MinTipsForRating = d.MinTipsForRating
	}
	if p.VolumeSaturation <= 0 {
		p.VolumeSaturation = d.VolumeSaturation
	}
	if p.Z <= 0 {
		p.Z = d.Z
	}
	return p
}

// WindowStart is the earliest outcome time counted at p.Now.
func (p Params) WindowStart() time.Time {
	return p.Now.UTC().Add(-p.withDefaults().Lookback)
}

// IsScored reports whether a tip counts toward the score.
func IsScored(t *domain.Tip) bool {
	return t.Status.IsResolved() && t.ReturnPct != nil
}

// IsWin reports whether a scored tip counts as a success.
func IsWin(t *domain.Tip) bool {
	if t.Status == domain.StatusExpired {
		return *t.ReturnPct > 0
	}
	return t.Status.IsTargetHit()
}

// Compute builds a creator score from tips. Tips that are unresolved or
// outside the lookback window are ignored. Returns nil when nothing is left.
// The input slice is not modified.
func Compute(creatorID string, tips []*domain.Tip, p Params) *domain.CreatorScore {
	p = p.withDefaults()
	now := p.Now.UTC()
	start := now.Add(-p.Lookback)

	scored := make([]*domain.Tip, 0, len(tips))
	for _, t := range tips {
		if !IsScored(t) {
			continue
		}
		at := t.OutcomeAt()
		if at.Before(start) || at.After(now) {
			continue
		}
		scored = append(scored, t)
	}
	n := len(scored)
	if n == 0 {
		return nil
	}

	// Chronological order: outcome time, posted time, id.
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if ai, bi := a.OutcomeAt(), b.OutcomeAt(); !ai.Equal(bi) {
			return ai.Before(bi)
		}
		if !a.PostedAt.Equal(b.PostedAt) {
			return a.PostedAt.Before(b.PostedAt)
		}
		return a.ID < b.ID
	})

	wins := make([]bool, n)
	returns := make([]float64, n)
	riskAdj := make([]float64, n)
	rr := make([]float64, n)
	winCount := 0
	for i, t := range scored {
		wins[i] = IsWin(t)
		if wins[i] {
			winCount++
		}
		returns[i] = *t.ReturnPct
		if risk := t.RiskPct(); risk > 0 {
			riskAdj[i] = returns[i] / risk
		}
		rr[i] = t.RewardRiskRatio()
	}

	accuracyRate := float64(winCount) / float64(n)
	meanReturn := computeMean(returns)
	stddev := computeStddev(returns, meanReturn)
	maxWin, maxLoss := computeLongestRuns(wins)
	winStreak, lossStreak := computeTrailingStreak(wins)
	best, worst := computeMinMax(returns)

	accuracy := 100 * accuracyRate
	riskAdjusted := 50 + 50*math.Tanh(computeMean(riskAdj)/2)
	consistency := 100 * (0.7/(1+stddev/10) +
		0.3*float64(maxWin+1)/float64(maxWin+maxLoss+2))
	volume := 100 * (1 - math.Exp(-float64(n)/p.VolumeSaturation))
	composite := clamp(
		WeightAccuracy*accuracy+
			WeightRiskAdjusted*riskAdjusted+
			WeightConsistency*consistency+
			WeightVolume*volume,
		0, 100)

	score := &domain.CreatorScore{
		CreatorID:          creatorID,
		AccuracyScore:      round2(clamp(accuracy, 0, 100)),
		RiskAdjustedScore:  round2(clamp(riskAdjusted, 0, 100)),
		ConsistencyScore:   round2(clamp(consistency, 0, 100)),
		VolumeFactorScore:  round2(clamp(volume, 0, 100)),
		RMTScore:           round2(composite),
		ConfidenceInterval: round2(ConfidenceInterval(n, p.Z)),
		AccuracyRate:       round4(accuracyRate),
		AvgReturnPct:       round2(meanReturn),
		AvgRiskRewardRatio: round2(computeMean(rr)),
		WinStreak:          winStreak,
		LossStreak:         lossStreak,
		BestTipReturnPct:   best,
		WorstTipReturnPct:  worst,
		TotalScoredTips:    n,
		LowConfidence:      n < p.MinTipsForRating,
		ScorePeriodStart:   start,
		ScorePeriodEnd:     now,
		CalculatedAt:       now,
	}
	for _, tf := range domain.Timeframes {
		score.SetTimeframeAccuracy(tf, timeframeAccuracy(scored, wins, tf))
	}
	return score
}

// ConfidenceInterval is the half-width z*50/sqrt(n), capped at 100.
// It depends on the sample size only.
func ConfidenceInterval(n int, z float64) float64 {
	if n <= 0 {
		return 100
	}
	return math.Min(100, z*50/math.Sqrt(float64(n)))
}

func timeframeAccuracy(tips []*domain.Tip, wins []bool, tf domain.Timeframe) *float64 {
	total, won := 0, 0
	for i, t := range tips {
		if t.Timeframe != tf {
			continue
		}
		total++
		if wins[i] {
			won++
		}
	}
	if total == 0 {
		return nil
	}
	v := round4(float64(won) / float64(total))
	return &v
}

// computeMean calculates the arithmetic mean.
func computeMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// computeStddev calculates sample standard deviation (n-1 denominator).
func computeStddev(values []float64, mean float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(n-1))
}

// computeLongestRuns finds the longest win and loss runs.
// Outcomes must be in chronological order.
func computeLongestRuns(wins []bool) (maxWin, maxLoss int) {
	cur := 0
	for i, w := range wins {
		if i > 0 && w == wins[i-1] {
			cur++
		} else {
			cur = 1
		}
		if w && cur > maxWin {
			maxWin = cur
		}
		if !w && cur > maxLoss {
			maxLoss = cur
		}
	}
	return maxWin, maxLoss
}

// computeTrailingStreak counts the run of the latest outcome.
func computeTrailingStreak(wins []bool) (winStreak, lossStreak int) {
	if len(wins) == 0 {
		return 0, 0
	}
	last := wins[len(wins)-1]
	run := 0
	for i := len(wins) - 1; i >= 0 && wins[i] == last; i-- {
		run++
	}
	if last {
		return run, 0
	}
	return 0, run
}

func computeMinMax(values []float64) (maxV, minV float64) {
	maxV, minV = values[0], values[0]
	for _, v := range values[1:] {
		maxV = math.Max(maxV, v)
		minV = math.Min(minV, v)
	}
	return maxV, minV
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 { return roundTo(v, 2) }

func round4(v float64) float64 { return roundTo(v, 4) }

// roundTo rounds half away from zero.
func roundTo(v float64, places int32) float64 {
	out, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return out
}
