package storage

import (
	"context"
	"time"

	"ratemytip/internal/domain"
)

// TipStore provides access to tips storage.
type TipStore interface {
	// Insert adds a new tip. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, t *domain.Tip) error

	// GetByID retrieves a tip by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Tip, error)

	// UpdateOutcome writes the mutable outcome fields of t when the stored
	// version equals expectedVersion, and bumps the version by one.
	// Returns ErrVersionConflict otherwise, ErrNotFound if the tip is gone.
	UpdateOutcome(ctx context.Context, t *domain.Tip, expectedVersion int64) error

	// Flag marks a tip as needing manual resolution. Flagged tips are
	// excluded from ListOpen and ListOpenExpiredBefore.
	Flag(ctx context.Context, id, reason string) error

	// ListOpen returns unflagged, unresolved tips in an evaluable status with
	// expires_at > asOf, ordered by instrument_id, posted_at, id. Tips at or
	// past their expiry belong to the expiry sweep.
	ListOpen(ctx context.Context, asOf time.Time) ([]*domain.Tip, error)

	// ListOpenExpiredBefore returns open tips with expires_at <= cutoff,
	// ordered by expires_at, id.
	ListOpenExpiredBefore(ctx context.Context, cutoff time.Time) ([]*domain.Tip, error)

	// ListResolvedByCreator returns tips of a creator with a resolved status,
	// a non-null return and an outcome time >= since.
	ListResolvedByCreator(ctx context.Context, creatorID string, since time.Time) ([]*domain.Tip, error)

	// ListCreatorIDs returns every creator having at least one tip, sorted.
	ListCreatorIDs(ctx context.Context) ([]string, error)
}

// ScoreFunc computes a score from resolved tips. Returning nil clears the score.
type ScoreFunc func(tips []*domain.Tip) *domain.CreatorScore

// ScoreRepository provides access to creator_scores storage.
type ScoreRepository interface {
	// Get retrieves the current score. Returns ErrNotFound for unrated creators.
	Get(ctx context.Context, creatorID string) (*domain.CreatorScore, error)

	// Recompute reads the creator's resolved tips since the given time, calls fn
	// and replaces (or clears, when fn returns nil) the stored score, all while
	// holding a per-creator lock so concurrent recomputes serialize.
	Recompute(ctx context.Context, creatorID string, since time.Time, fn ScoreFunc) (*domain.CreatorScore, error)

	// ListRanked returns scores ordered by rmt_score DESC, creator_id ASC.
	ListRanked(ctx context.Context, limit, offset int) ([]*domain.CreatorScore, error)
}

// SnapshotStore provides access to score_snapshots storage.
type SnapshotStore interface {
	// Upsert inserts the snapshot or replaces the row with the same (creator_id, date).
	Upsert(ctx context.Context, s *domain.ScoreSnapshot) error

	// GetByCreatorRange returns snapshots with date in [from, to], ordered by date ASC.
	GetByCreatorRange(ctx context.Context, creatorID string, from, to time.Time) ([]*domain.ScoreSnapshot, error)
}

// PriceHistoryStore provides access to price_ticks storage.
type PriceHistoryStore interface {
	// InsertBulk appends ticks. Duplicates of (instrument_id, ts) are tolerated.
	InsertBulk(ctx context.Context, ticks []*domain.PriceTick) error

	// PriceAtOrBefore returns the latest tick at or before ts.
	// Returns ErrNotFound if the instrument has no tick that early.
	PriceAtOrBefore(ctx context.Context, instrumentID string, ts time.Time) (*domain.PriceTick, error)

	// GetByTimeRange returns ticks within [start, end], ordered by ts ASC.
	GetByTimeRange(ctx context.Context, instrumentID string, start, end time.Time) ([]*domain.PriceTick, error)
}
