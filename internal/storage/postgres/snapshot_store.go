package postgres

import (
	"context"
	"fmt"
	"time"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *Pool
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(pool *Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// Upsert inserts the snapshot or replaces the row with the same (creator_id, date).
func (s *SnapshotStore) Upsert(ctx context.Context, snap *domain.ScoreSnapshot) error {
	if snap == nil || snap.ID == "" || snap.CreatorID == "" || snap.Date.IsZero() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO score_snapshots (
			id, creator_id, date,
			rmt_score, accuracy_rate, total_scored_tips, confidence_interval,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (creator_id, date) DO UPDATE SET
			rmt_score = EXCLUDED.rmt_score,
			accuracy_rate = EXCLUDED.accuracy_rate,
			total_scored_tips = EXCLUDED.total_scored_tips,
			confidence_interval = EXCLUDED.confidence_interval,
			created_at = EXCLUDED.created_at
	`

	_, err := s.pool.Exec(ctx, query,
		snap.ID, snap.CreatorID, domain.SnapshotDate(snap.Date),
		snap.RMTScore, snap.AccuracyRate, snap.TotalScoredTips, snap.ConfidenceInterval,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert score snapshot: %w", err)
	}
	return nil
}

// GetByCreatorRange returns snapshots with date in [from, to], ordered by date ASC.
func (s *SnapshotStore) GetByCreatorRange(ctx context.Context, creatorID string, from, to time.Time) ([]*domain.ScoreSnapshot, error) {
	query := `
		SELECT
			id, creator_id, date,
			rmt_score, accuracy_rate, total_scored_tips, confidence_interval,
			created_at
		FROM score_snapshots
		WHERE creator_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date ASC
	`

	rows, err := s.pool.Query(ctx, query, creatorID, domain.SnapshotDate(from), domain.SnapshotDate(to))
	if err != nil {
		return nil, fmt.Errorf("get snapshots by creator range: %w", err)
	}
	defer rows.Close()

	var result []*domain.ScoreSnapshot
	for rows.Next() {
		var snap domain.ScoreSnapshot
		if err := rows.Scan(
			&snap.ID, &snap.CreatorID, &snap.Date,
			&snap.RMTScore, &snap.AccuracyRate, &snap.TotalScoredTips, &snap.ConfidenceInterval,
			&snap.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan score snapshot: %w", err)
		}
		snap.Date = domain.SnapshotDate(snap.Date)
		result = append(result, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score snapshots: %w", err)
	}
	return result, nil
}
