// Package jobs adapts the batch components to queue handlers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ratemytip/internal/evaluator"
	"ratemytip/internal/expiry"
	"ratemytip/internal/lock"
	"ratemytip/internal/queue"
	"ratemytip/internal/scoring"
	"ratemytip/internal/snapshot"
	"ratemytip/internal/storage"
)

// Message types.
const (
	TypeEvaluate    = "tips.evaluate"
	TypeExpire      = "tips.expire"
	TypeRecalculate = "scores.recalculate"
	TypeSnapshot    = "scores.snapshot"
)

// DefaultLockTTL bounds how long a crashed worker can hold an entity.
const DefaultLockTTL = 2 * time.Minute

// TipPayload targets one tip; an empty TipID means all open tips.
type TipPayload struct {
	TipID string `json:"tip_id,omitempty"`
}

// CreatorPayload targets one creator; an empty CreatorID means all creators.
type CreatorPayload struct {
	CreatorID string `json:"creator_id,omitempty"`
}

// Deps holds the components the jobs run.
type Deps struct {
	Evaluator    *evaluator.Evaluator
	Sweeper      *expiry.Sweeper
	Recalculator *scoring.Recalculator
	Snapshots    *snapshot.Recorder
	Locker       lock.Locker
	LockTTL      time.Duration
}

// All returns every job backed by deps.
func All(deps Deps) []queue.Job {
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = DefaultLockTTL
	}
	return []queue.Job{
		&EvaluateJob{deps: deps},
		&ExpireJob{deps: deps},
		&RecalculateJob{deps: deps},
		&SnapshotJob{deps: deps},
	}
}

// Register adds every job to q.
func Register(q queue.Queue, deps Deps) {
	for _, j := range All(deps) {
		q.RegisterJob(j)
	}
}

// withLock runs fn under key. A held key is reported as a retryable failure.
func withLock(ctx context.Context, deps Deps, key string, fn func(ctx context.Context) error) error {
	err := lock.With(ctx, deps.Locker, key, deps.LockTTL, fn)
	if errors.Is(err, lock.ErrBusy) {
		return fmt.Errorf("entity busy, retry later: %w", err)
	}
	return err
}

// EvaluateJob evaluates one tip or every open tip.
type EvaluateJob struct{ deps Deps }

func (j *EvaluateJob) Name() string { return "evaluate-tips" }
func (j *EvaluateJob) Type() string { return TypeEvaluate }

// Handle implements queue.Job.
func (j *EvaluateJob) Handle(ctx context.Context, raw json.RawMessage) error {
	p, err := queue.ParsePayload[TipPayload](raw)
	if err != nil {
		return err
	}
	if p.TipID != "" {
		return withLock(ctx, j.deps, "tip:"+p.TipID, func(ctx context.Context) error {
			_, err := j.deps.Evaluator.EvaluateTip(ctx, p.TipID)
			if errors.Is(err, storage.ErrNotFound) {
				return queue.Permanent(err)
			}
			return err
		})
	}
	return withLock(ctx, j.deps, "run:evaluate", func(ctx context.Context) error {
		res, err := j.deps.Evaluator.Run(ctx)
		if err != nil {
			return err
		}
		return runErrors("evaluate", res.Errors)
	})
}

// ExpireJob runs the expiration sweep.
type ExpireJob struct{ deps Deps }

func (j *ExpireJob) Name() string { return "expire-tips" }
func (j *ExpireJob) Type() string { return TypeExpire }

// Handle implements queue.Job.
func (j *ExpireJob) Handle(ctx context.Context, _ json.RawMessage) error {
	return withLock(ctx, j.deps, "run:expire", func(ctx context.Context) error {
		res, err := j.deps.Sweeper.Run(ctx)
		if err != nil {
			return err
		}
		return runErrors("expire", res.Errors)
	})
}

// RecalculateJob recomputes one creator's score or all of them.
type RecalculateJob struct{ deps Deps }

func (j *RecalculateJob) Name() string { return "recalculate-scores" }
func (j *RecalculateJob) Type() string { return TypeRecalculate }

// Handle implements queue.Job.
func (j *RecalculateJob) Handle(ctx context.Context, raw json.RawMessage) error {
	p, err := queue.ParsePayload[CreatorPayload](raw)
	if err != nil {
		return err
	}
	if p.CreatorID != "" {
		return withLock(ctx, j.deps, "creator:"+p.CreatorID, func(ctx context.Context) error {
			_, err := j.deps.Recalculator.Recalculate(ctx, p.CreatorID)
			return err
		})
	}
	return withLock(ctx, j.deps, "run:recalculate", func(ctx context.Context) error {
		res, err := j.deps.Recalculator.RecalculateAll(ctx)
		if err != nil {
			return err
		}
		return runErrors("recalculate", res.Errors)
	})
}

// SnapshotJob records today's snapshot of one creator or all rated creators.
type SnapshotJob struct{ deps Deps }

func (j *SnapshotJob) Name() string { return "record-snapshots" }
func (j *SnapshotJob) Type() string { return TypeSnapshot }

// Handle implements queue.Job.
func (j *SnapshotJob) Handle(ctx context.Context, raw json.RawMessage) error {
	p, err := queue.ParsePayload[CreatorPayload](raw)
	if err != nil {
		return err
	}
	if p.CreatorID != "" {
		return withLock(ctx, j.deps, "creator:"+p.CreatorID, func(ctx context.Context) error {
			_, err := j.deps.Snapshots.RecordCreator(ctx, p.CreatorID)
			return err
		})
	}
	return withLock(ctx, j.deps, "run:snapshot", func(ctx context.Context) error {
		res, err := j.deps.Snapshots.RecordAll(ctx)
		if err != nil {
			return err
		}
		return runErrors("snapshot", res.Errors)
	})
}

// runErrors reports per-entity failures of a batch so the queue retries the
// run; every write path tolerates the repeated delivery.
func runErrors(job string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %d entity failures, first: %s", job, len(errs), errs[0])
}
