package domain

import "time"

// CreatorScore is the current RMT score of a creator.
// Corresponds to creator_scores table. A creator without resolved tips has no record.
type CreatorScore struct {
	CreatorID string

	// Sub-scores and composite, all in [0, 100]
	AccuracyScore      float64
	RiskAdjustedScore  float64
	ConsistencyScore   float64
	VolumeFactorScore  float64
	RMTScore           float64
	ConfidenceInterval float64 // +/- points around RMTScore

	// Statistics
	AccuracyRate       float64 // wins / total, [0, 1]
	AvgReturnPct       float64
	AvgRiskRewardRatio float64
	WinStreak          int
	LossStreak         int
	BestTipReturnPct   float64
	WorstTipReturnPct  float64

	// Per-timeframe accuracy rates, nil when the bucket is empty
	IntradayAccuracy   *float64
	SwingAccuracy      *float64
	PositionalAccuracy *float64
	LongTermAccuracy   *float64

	TotalScoredTips int
	LowConfidence   bool // fewer resolved tips than the rating minimum

	ScorePeriodStart time.Time
	ScorePeriodEnd   time.Time
	CalculatedAt     time.Time
}

// TimeframeAccuracy returns the accuracy pointer for a timeframe.
func (s *CreatorScore) TimeframeAccuracy(tf Timeframe) *float64 {
	switch tf {
	case TimeframeIntraday:
		return s.IntradayAccuracy
	case TimeframeSwing:
		return s.SwingAccuracy
	case TimeframePositional:
		return s.PositionalAccuracy
	case TimeframeLongTerm:
		return s.LongTermAccuracy
	}
	return nil
}

// SetTimeframeAccuracy sets the accuracy pointer for a timeframe.
func (s *CreatorScore) SetTimeframeAccuracy(tf Timeframe, v *float64) {
	switch tf {
	case TimeframeIntraday:
		s.IntradayAccuracy = v
	case TimeframeSwing:
		s.SwingAccuracy = v
	case TimeframePositional:
		s.PositionalAccuracy = v
	case TimeframeLongTerm:
		s.LongTermAccuracy = v
	}
}

// ScoreSnapshot is a daily point-in-time copy of a creator's score.
// Corresponds to score_snapshots table, unique on (creator_id, date).
type ScoreSnapshot struct {
	ID                 string // deterministic hash of (creator_id, date)
	CreatorID          string
	Date               time.Time // UTC midnight
	RMTScore           float64
	AccuracyRate       float64
	TotalScoredTips    int
	ConfidenceInterval float64
	CreatedAt          time.Time
}

// SnapshotDate truncates t to its UTC calendar day.
func SnapshotDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
