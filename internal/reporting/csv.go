package reporting

import (
	"encoding/csv"
	"strconv"
	"strings"
	"time"
)

// RenderLeaderboardCSV renders leaderboard rows as CSV.
func RenderLeaderboardCSV(rows []LeaderboardRow) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	_ = w.Write([]string{
		"rank", "creator_id", "rmt_score", "confidence_interval", "accuracy_rate",
		"avg_return_pct", "total_scored_tips", "win_streak", "loss_streak", "low_confidence",
	})
	for _, r := range rows {
		_ = w.Write([]string{
			strconv.Itoa(r.Rank),
			r.CreatorID,
			formatFloat(r.RMTScore, 2),
			formatFloat(r.ConfidenceInterval, 2),
			formatFloat(r.AccuracyRate, 4),
			formatFloat(r.AvgReturnPct, 4),
			strconv.Itoa(r.TotalScoredTips),
			strconv.Itoa(r.WinStreak),
			strconv.Itoa(r.LossStreak),
			strconv.FormatBool(r.LowConfidence),
		})
	}
	w.Flush()
	return sb.String()
}

// RenderTrendCSV renders trend rows as CSV.
func RenderTrendCSV(rows []TrendRow) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	_ = w.Write([]string{"creator_id", "first_date", "last_date", "first_score", "last_score", "delta", "snapshots"})
	for _, r := range rows {
		_ = w.Write([]string{
			r.CreatorID,
			r.FirstDate.Format(time.DateOnly),
			r.LastDate.Format(time.DateOnly),
			formatFloat(r.FirstScore, 2),
			formatFloat(r.LastScore, 2),
			formatFloat(r.Delta, 2),
			strconv.Itoa(r.Snapshots),
		})
	}
	w.Flush()
	return sb.String()
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
