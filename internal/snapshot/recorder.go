// Package snapshot records one daily copy of each creator's score.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ratemytip/internal/domain"
	"ratemytip/internal/idhash"
	"ratemytip/internal/observability"
	"ratemytip/internal/storage"
)

const pageSize = 500

// Options for creating a Recorder.
type Options struct {
	Scores    storage.ScoreRepository
	Snapshots storage.SnapshotStore
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Recorder writes ScoreSnapshot rows keyed on (creator_id, UTC date).
type Recorder struct {
	scores    storage.ScoreRepository
	snapshots storage.SnapshotStore
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a Recorder.
func New(opts Options) *Recorder {
	r := &Recorder{
		scores:    opts.Scores,
		snapshots: opts.Snapshots,
		log:       opts.Logger.With().Str("component", "snapshot").Logger(),
		now:       opts.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// FromScore builds the snapshot of score for the UTC day containing at.
func FromScore(score *domain.CreatorScore, at time.Time) *domain.ScoreSnapshot {
	date := domain.SnapshotDate(at)
	return &domain.ScoreSnapshot{
		ID:                 idhash.ComputeSnapshotID(score.CreatorID, date),
		CreatorID:          score.CreatorID,
		Date:               date,
		RMTScore:           score.RMTScore,
		AccuracyRate:       score.AccuracyRate,
		TotalScoredTips:    score.TotalScoredTips,
		ConfidenceInterval: score.ConfidenceInterval,
		CreatedAt:          at.UTC(),
	}
}

// RecordCreator upserts today's snapshot of a creator's current score.
// Returns nil without writing when the creator is unrated.
func (r *Recorder) RecordCreator(ctx context.Context, creatorID string) (*domain.ScoreSnapshot, error) {
	score, err := r.scores.Get(ctx, creatorID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get score %s: %w", creatorID, err)
	}
	return r.record(ctx, score)
}

func (r *Recorder) record(ctx context.Context, score *domain.CreatorScore) (*domain.ScoreSnapshot, error) {
	snap := FromScore(score, r.now())
	if err := r.snapshots.Upsert(ctx, snap); err != nil {
		return nil, fmt.Errorf("upsert snapshot %s: %w", score.CreatorID, err)
	}
	observability.RecordSnapshot()
	return snap, nil
}

// RunResult contains results from a snapshot run.
type RunResult struct {
	Recorded int
	Errors   []string
}

// RecordAll snapshots every rated creator.
func (r *Recorder) RecordAll(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{}

	for offset := 0; ; offset += pageSize {
		page, err := r.scores.ListRanked(ctx, pageSize, offset)
		if err != nil {
			observability.RecordJobRun("snapshot", err, time.Since(start))
			return result, fmt.Errorf("list scores: %w", err)
		}
		for _, score := range page {
			if err := ctx.Err(); err != nil {
				observability.RecordJobRun("snapshot", err, time.Since(start))
				return result, err
			}
			if _, err := r.record(ctx, score); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Recorded++
		}
		if len(page) < pageSize {
			break
		}
	}

	observability.RecordJobRun("snapshot", nil, time.Since(start))
	r.log.Info().
		Int("recorded", result.Recorded).
		Int("errors", len(result.Errors)).
		Dur("elapsed", time.Since(start)).
		Msg("snapshot run completed")
	return result, nil
}

// History returns a creator's snapshots with date in [from, to].
func (r *Recorder) History(ctx context.Context, creatorID string, from, to time.Time) ([]*domain.ScoreSnapshot, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("range %s..%s: %w", from.Format(time.DateOnly), to.Format(time.DateOnly), storage.ErrInvalidInput)
	}
	return r.snapshots.GetByCreatorRange(ctx, creatorID, domain.SnapshotDate(from), domain.SnapshotDate(to))
}
