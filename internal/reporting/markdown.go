package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders the report as Markdown.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	sb.WriteString("# Creator Leaderboard\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))

	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Rated Creators | %d |\n", r.Summary.RatedCreators))
	sb.WriteString(fmt.Sprintf("| Low Confidence | %d |\n", r.Summary.LowConfidenceCreators))
	sb.WriteString(fmt.Sprintf("| Mean RMT | %.2f |\n", r.Summary.MeanRMT))
	sb.WriteString(fmt.Sprintf("| Median RMT | %.2f |\n", r.Summary.MedianRMT))
	sb.WriteString(fmt.Sprintf("| Scored Tips | %d |\n", r.Summary.TotalScoredTips))
	sb.WriteString("\n")

	sb.WriteString("## Leaderboard\n\n")
	if len(r.Leaderboard) == 0 {
		sb.WriteString("No rated creators.\n\n")
	} else {
		sb.WriteString("| # | Creator | RMT | ± | Accuracy | Avg Return % | Tips | Streak |\n")
		sb.WriteString("|---|---------|-----|---|----------|--------------|------|--------|\n")
		for _, row := range r.Leaderboard {
			creator := row.CreatorID
			if row.LowConfidence {
				creator += " *"
			}
			sb.WriteString(fmt.Sprintf("| %d | %s | %.2f | %.2f | %.1f%% | %.2f | %d | %s |\n",
				row.Rank, creator, row.RMTScore, row.ConfidenceInterval,
				row.AccuracyRate*100, row.AvgReturnPct, row.TotalScoredTips, streak(row)))
		}
		sb.WriteString("\n")
		if r.Summary.LowConfidenceCreators > 0 {
			sb.WriteString("\\* fewer scored tips than the rating minimum\n\n")
		}
	}

	sb.WriteString(fmt.Sprintf("## Score Trend (%s to %s)\n\n",
		r.TrendFrom.Format(time.DateOnly), r.TrendTo.Format(time.DateOnly)))
	if len(r.Trends) == 0 {
		sb.WriteString("No snapshots in range.\n")
		return sb.String()
	}
	sb.WriteString("| Creator | From | To | Delta | Snapshots |\n")
	sb.WriteString("|---------|------|----|-------|-----------|\n")
	for _, t := range r.Trends {
		sb.WriteString(fmt.Sprintf("| %s | %.2f | %.2f | %+.2f | %d |\n",
			t.CreatorID, t.FirstScore, t.LastScore, t.Delta, t.Snapshots))
	}
	return sb.String()
}

func streak(r LeaderboardRow) string {
	switch {
	case r.WinStreak > 0:
		return fmt.Sprintf("W%d", r.WinStreak)
	case r.LossStreak > 0:
		return fmt.Sprintf("L%d", r.LossStreak)
	}
	return "-"
}
