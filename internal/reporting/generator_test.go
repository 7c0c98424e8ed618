package reporting

import (
	"context"
	"strings"
	"testing"
	"time"

	"ratemytip/internal/domain"
	"ratemytip/internal/snapshot"
	"ratemytip/internal/storage/memory"
)

var reportNow = time.Date(2024, 9, 30, 12, 0, 0, 0, time.UTC)

func setupTestData(t *testing.T) *Generator {
	t.Helper()
	ctx := context.Background()

	tips := memory.NewTipStore()
	scores := memory.NewScoreStore(tips)
	snapshots := memory.NewSnapshotStore()

	rate := func(creator string, rmt float64, n int, low bool, win, loss int) *domain.CreatorScore {
		sc, err := scores.Recompute(ctx, creator, time.Time{}, func([]*domain.Tip) *domain.CreatorScore {
			return &domain.CreatorScore{
				RMTScore: rmt, ConfidenceInterval: 10, AccuracyRate: 0.55,
				TotalScoredTips: n, LowConfidence: low, WinStreak: win, LossStreak: loss,
			}
		})
		if err != nil {
			t.Fatalf("Recompute failed: %v", err)
		}
		return sc
	}

	alice := rate("alice", 80, 40, false, 3, 0)
	bob := rate("bob", 62.5, 12, true, 0, 2)
	rate("carol", 70, 25, false, 0, 0)

	history := []struct {
		score   *domain.CreatorScore
		daysAgo int
		rmt     float64
	}{
		{alice, 20, 70},
		{alice, 1, 80},
		{bob, 10, 50},
		{bob, 0, 62.5},
		{alice, 45, 10}, // outside the 30 day window
	}
	for _, h := range history {
		s := *h.score
		s.RMTScore = h.rmt
		if err := snapshots.Upsert(ctx, snapshot.FromScore(&s, reportNow.AddDate(0, 0, -h.daysAgo))); err != nil {
			t.Fatalf("Upsert snapshot failed: %v", err)
		}
	}

	return NewGenerator(scores, snapshots).WithClock(func() time.Time { return reportNow })
}

func TestGenerator_Generate(t *testing.T) {
	g := setupTestData(t)

	r, err := g.Generate(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !r.GeneratedAt.Equal(reportNow) {
		t.Errorf("GeneratedAt = %v, want %v", r.GeneratedAt, reportNow)
	}
	if got := r.TrendFrom.Format(time.DateOnly); got != "2024-08-31" {
		t.Errorf("TrendFrom = %s, want 2024-08-31", got)
	}

	wantOrder := []string{"alice", "carol", "bob"}
	if len(r.Leaderboard) != len(wantOrder) {
		t.Fatalf("Leaderboard len = %d, want %d", len(r.Leaderboard), len(wantOrder))
	}
	for i, id := range wantOrder {
		if r.Leaderboard[i].CreatorID != id || r.Leaderboard[i].Rank != i+1 {
			t.Errorf("row %d = %s (rank %d), want %s", i, r.Leaderboard[i].CreatorID, r.Leaderboard[i].Rank, id)
		}
	}

	s := r.Summary
	if s.RatedCreators != 3 || s.LowConfidenceCreators != 1 || s.TotalScoredTips != 77 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if s.MedianRMT != 70 {
		t.Errorf("MedianRMT = %v, want 70", s.MedianRMT)
	}
	if s.MeanRMT < 70.83 || s.MeanRMT > 70.84 {
		t.Errorf("MeanRMT = %v, want ~70.83", s.MeanRMT)
	}

	// carol has no snapshots; bob (+12.5) moved more than alice (+10)
	if len(r.Trends) != 2 {
		t.Fatalf("Trends len = %d, want 2", len(r.Trends))
	}
	if r.Trends[0].CreatorID != "bob" || r.Trends[0].Delta != 12.5 {
		t.Errorf("first trend = %+v, want bob +12.5", r.Trends[0])
	}
	if r.Trends[1].CreatorID != "alice" || r.Trends[1].Snapshots != 2 || r.Trends[1].FirstScore != 70 {
		t.Errorf("second trend = %+v, want alice 70 -> 80 over 2 snapshots", r.Trends[1])
	}
}

func TestGenerator_Limit(t *testing.T) {
	g := setupTestData(t)

	r, err := g.Generate(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(r.Leaderboard) != 1 || r.Leaderboard[0].CreatorID != "alice" {
		t.Fatalf("unexpected leaderboard: %+v", r.Leaderboard)
	}
	if len(r.Trends) != 1 || r.Trends[0].Snapshots != 1 || r.Trends[0].Delta != 0 {
		t.Errorf("unexpected trends: %+v", r.Trends)
	}
}

func TestGenerator_Empty(t *testing.T) {
	tips := memory.NewTipStore()
	g := NewGenerator(memory.NewScoreStore(tips), memory.NewSnapshotStore()).
		WithClock(func() time.Time { return reportNow })

	r, err := g.Generate(context.Background(), 10, 10)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if r.Summary.RatedCreators != 0 || len(r.Leaderboard) != 0 || len(r.Trends) != 0 {
		t.Errorf("expected empty report, got %+v", r)
	}

	md := RenderMarkdown(r)
	if !strings.Contains(md, "No rated creators.") || !strings.Contains(md, "No snapshots in range.") {
		t.Errorf("markdown missing empty-state text:\n%s", md)
	}
}

func TestRenderMarkdown(t *testing.T) {
	r, err := setupTestData(t).Generate(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	md := RenderMarkdown(r)

	for _, want := range []string{
		"# Creator Leaderboard",
		"| Rated Creators | 3 |",
		"| 1 | alice | 80.00 | 10.00 | 55.0% | 0.00 | 40 | W3 |",
		"| 3 | bob * | 62.50 |",
		"L2 |",
		"| bob | 50.00 | 62.50 | +12.50 | 2 |",
		"## Score Trend (2024-08-31 to 2024-09-30)",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
}

func TestRenderCSV(t *testing.T) {
	r, err := setupTestData(t).Generate(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(RenderLeaderboardCSV(r.Leaderboard)), "\n")
	if len(lines) != 4 {
		t.Fatalf("leaderboard csv lines = %d, want 4", len(lines))
	}
	if !strings.HasPrefix(lines[0], "rank,creator_id,rmt_score") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if lines[1] != "1,alice,80.00,10.00,0.5500,0.0000,40,3,0,false" {
		t.Errorf("unexpected row: %s", lines[1])
	}

	trend := strings.Split(strings.TrimSpace(RenderTrendCSV(r.Trends)), "\n")
	if len(trend) != 3 || trend[1] != "bob,2024-09-20,2024-09-30,50.00,62.50,12.50,2" {
		t.Errorf("unexpected trend csv: %v", trend)
	}
}
