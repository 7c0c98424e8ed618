package api

import (
	"errors"
	"time"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

type tipView struct {
	ID            string     `json:"id"`
	CreatorID     string     `json:"creator_id"`
	InstrumentID  string     `json:"instrument_id"`
	Direction     string     `json:"direction"`
	EntryPrice    float64    `json:"entry_price"`
	Target1       float64    `json:"target_1"`
	Target2       *float64   `json:"target_2,omitempty"`
	Target3       *float64   `json:"target_3,omitempty"`
	StopLoss      float64    `json:"stop_loss"`
	Timeframe     string     `json:"timeframe"`
	PostedAt      time.Time  `json:"posted_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Status        string     `json:"status"`
	ReturnPct     *float64   `json:"return_pct,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	StopLossHitAt *time.Time `json:"stop_loss_hit_at,omitempty"`
	Flagged       bool       `json:"flagged,omitempty"`
}

func newTipView(t *domain.Tip) tipView {
	return tipView{
		ID:            t.ID,
		CreatorID:     t.CreatorID,
		InstrumentID:  t.InstrumentID,
		Direction:     string(t.Direction),
		EntryPrice:    t.EntryPrice,
		Target1:       t.Target1,
		Target2:       t.Target2,
		Target3:       t.Target3,
		StopLoss:      t.StopLoss,
		Timeframe:     string(t.Timeframe),
		PostedAt:      t.PostedAt,
		ExpiresAt:     t.ExpiresAt,
		Status:        string(t.Status),
		ReturnPct:     t.ReturnPct,
		ResolvedAt:    t.ResolvedAt,
		StopLossHitAt: t.StopLossHitAt,
		Flagged:       t.FlaggedReason != nil,
	}
}

type unratedView struct {
	CreatorID string `json:"creator_id"`
	Status    string `json:"status"`
}

type scoreView struct {
	Rank               int                 `json:"rank,omitempty"`
	CreatorID          string              `json:"creator_id"`
	Status             string              `json:"status"`
	RMTScore           float64             `json:"rmt_score"`
	ConfidenceInterval float64             `json:"confidence_interval"`
	AccuracyScore      float64             `json:"accuracy_score"`
	RiskAdjustedScore  float64             `json:"risk_adjusted_score"`
	ConsistencyScore   float64             `json:"consistency_score"`
	VolumeFactorScore  float64             `json:"volume_factor_score"`
	AccuracyRate       float64             `json:"accuracy_rate"`
	AvgReturnPct       float64             `json:"avg_return_pct"`
	AvgRiskRewardRatio float64             `json:"avg_risk_reward_ratio"`
	WinStreak          int                 `json:"win_streak"`
	LossStreak         int                 `json:"loss_streak"`
	BestTipReturnPct   float64             `json:"best_tip_return_pct"`
	WorstTipReturnPct  float64             `json:"worst_tip_return_pct"`
	TimeframeAccuracy  map[string]*float64 `json:"timeframe_accuracy"`
	TotalScoredTips    int                 `json:"total_scored_tips"`
	LowConfidence      bool                `json:"low_confidence"`
	ScorePeriodStart   time.Time           `json:"score_period_start"`
	ScorePeriodEnd     time.Time           `json:"score_period_end"`
	CalculatedAt       time.Time           `json:"calculated_at"`
}

func newScoreView(s *domain.CreatorScore) scoreView {
	tf := make(map[string]*float64, len(domain.Timeframes))
	for _, t := range domain.Timeframes {
		tf[string(t)] = s.TimeframeAccuracy(t)
	}
	return scoreView{
		CreatorID:          s.CreatorID,
		Status:             "rated",
		RMTScore:           s.RMTScore,
		ConfidenceInterval: s.ConfidenceInterval,
		AccuracyScore:      s.AccuracyScore,
		RiskAdjustedScore:  s.RiskAdjustedScore,
		ConsistencyScore:   s.ConsistencyScore,
		VolumeFactorScore:  s.VolumeFactorScore,
		AccuracyRate:       s.AccuracyRate,
		AvgReturnPct:       s.AvgReturnPct,
		AvgRiskRewardRatio: s.AvgRiskRewardRatio,
		WinStreak:          s.WinStreak,
		LossStreak:         s.LossStreak,
		BestTipReturnPct:   s.BestTipReturnPct,
		WorstTipReturnPct:  s.WorstTipReturnPct,
		TimeframeAccuracy:  tf,
		TotalScoredTips:    s.TotalScoredTips,
		LowConfidence:      s.LowConfidence,
		ScorePeriodStart:   s.ScorePeriodStart,
		ScorePeriodEnd:     s.ScorePeriodEnd,
		CalculatedAt:       s.CalculatedAt,
	}
}

type snapshotView struct {
	ID                 string  `json:"id"`
	CreatorID          string  `json:"creator_id"`
	Date               string  `json:"date"`
	RMTScore           float64 `json:"rmt_score"`
	AccuracyRate       float64 `json:"accuracy_rate"`
	TotalScoredTips    int     `json:"total_scored_tips"`
	ConfidenceInterval float64 `json:"confidence_interval"`
}

func newSnapshotView(s *domain.ScoreSnapshot) snapshotView {
	return snapshotView{
		ID:                 s.ID,
		CreatorID:          s.CreatorID,
		Date:               s.Date.Format(time.DateOnly),
		RMTScore:           s.RMTScore,
		AccuracyRate:       s.AccuracyRate,
		TotalScoredTips:    s.TotalScoredTips,
		ConfidenceInterval: s.ConfidenceInterval,
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
