package reporting

import "time"

// Report is the creator leaderboard report.
type Report struct {
	GeneratedAt time.Time
	TrendFrom   time.Time
	TrendTo     time.Time

	Summary     Summary
	Leaderboard []LeaderboardRow // ranked by rmt_score DESC, creator_id ASC
	Trends      []TrendRow       // one per leaderboard creator with snapshots in range
}

// Summary describes the rated population.
type Summary struct {
	RatedCreators         int
	LowConfidenceCreators int
	MeanRMT               float64
	MedianRMT             float64
	TotalScoredTips       int
}

// LeaderboardRow is one ranked creator.
type LeaderboardRow struct {
	Rank               int
	CreatorID          string
	RMTScore           float64
	ConfidenceInterval float64
	AccuracyRate       float64
	AvgReturnPct       float64
	TotalScoredTips    int
	WinStreak          int
	LossStreak         int
	LowConfidence      bool
}

// TrendRow compares a creator's first and last snapshot in the trend window.
type TrendRow struct {
	CreatorID  string
	FirstDate  time.Time
	LastDate   time.Time
	FirstScore float64
	LastScore  float64
	Delta      float64 // LastScore - FirstScore
	Snapshots  int
}
