// Package reporting renders leaderboard and score trend reports.
package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

const (
	DefaultLimit     = 50
	DefaultTrendDays = 30
)

// Generator produces reports from stored scores and snapshots.
type Generator struct {
	scores    storage.ScoreRepository
	snapshots storage.SnapshotStore
	now       func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator.
func NewGenerator(scores storage.ScoreRepository, snapshots storage.SnapshotStore) *Generator {
	return &Generator{
		scores:    scores,
		snapshots: snapshots,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate builds a report of the top limit creators and their score
// trend over the last trendDays days. Non-positive values use the defaults.
func (g *Generator) Generate(ctx context.Context, limit, trendDays int) (*Report, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if trendDays <= 0 {
		trendDays = DefaultTrendDays
	}

	scores, err := g.scores.ListRanked(ctx, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("list ranked scores: %w", err)
	}

	now := g.now().UTC()
	to := domain.SnapshotDate(now)
	from := to.AddDate(0, 0, -trendDays)

	r := &Report{
		GeneratedAt: now,
		TrendFrom:   from,
		TrendTo:     to,
		Summary:     summarize(scores),
		Leaderboard: make([]LeaderboardRow, 0, len(scores)),
	}

	for i, s := range scores {
		r.Leaderboard = append(r.Leaderboard, LeaderboardRow{
			Rank:               i + 1,
			CreatorID:          s.CreatorID,
			RMTScore:           s.RMTScore,
			ConfidenceInterval: s.ConfidenceInterval,
			AccuracyRate:       s.AccuracyRate,
			AvgReturnPct:       s.AvgReturnPct,
			TotalScoredTips:    s.TotalScoredTips,
			WinStreak:          s.WinStreak,
			LossStreak:         s.LossStreak,
			LowConfidence:      s.LowConfidence,
		})

		snaps, err := g.snapshots.GetByCreatorRange(ctx, s.CreatorID, from, to)
		if err != nil {
			return nil, fmt.Errorf("snapshots %s: %w", s.CreatorID, err)
		}
		if len(snaps) == 0 {
			continue
		}
		first, last := snaps[0], snaps[len(snaps)-1]
		r.Trends = append(r.Trends, TrendRow{
			CreatorID:  s.CreatorID,
			FirstDate:  first.Date,
			LastDate:   last.Date,
			FirstScore: first.RMTScore,
			LastScore:  last.RMTScore,
			Delta:      last.RMTScore - first.RMTScore,
			Snapshots:  len(snaps),
		})
	}

	// Biggest movers first
	sort.SliceStable(r.Trends, func(i, j int) bool {
		return abs(r.Trends[i].Delta) > abs(r.Trends[j].Delta)
	})

	return r, nil
}

func summarize(scores []*domain.CreatorScore) Summary {
	s := Summary{RatedCreators: len(scores)}
	if len(scores) == 0 {
		return s
	}

	values := make([]float64, 0, len(scores))
	var sum float64
	for _, cs := range scores {
		if cs.LowConfidence {
			s.LowConfidenceCreators++
		}
		s.TotalScoredTips += cs.TotalScoredTips
		sum += cs.RMTScore
		values = append(values, cs.RMTScore)
	}
	s.MeanRMT = sum / float64(len(values))

	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 0 {
		s.MedianRMT = (values[mid-1] + values[mid]) / 2
	} else {
		s.MedianRMT = values[mid]
	}
	return s
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
