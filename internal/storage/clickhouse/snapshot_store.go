package clickhouse

import (
	"context"
	"fmt"
	"time"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore using ClickHouse.
// ReplacingMergeTree(created_at) keeps the newest row per (creator_id, date).
type SnapshotStore struct {
	conn *Conn
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(conn *Conn) *SnapshotStore {
	return &SnapshotStore{conn: conn}
}

// Compile-time interface check.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// Upsert appends a row; the merge engine replaces older rows of the same day.
func (s *SnapshotStore) Upsert(ctx context.Context, snap *domain.ScoreSnapshot) error {
	if snap == nil || snap.ID == "" || snap.CreatorID == "" || snap.Date.IsZero() {
		return storage.ErrInvalidInput
	}

	err := s.conn.Exec(ctx, `
		INSERT INTO score_snapshots (
			id, creator_id, date,
			rmt_score, accuracy_rate, total_scored_tips, confidence_interval,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.ID, snap.CreatorID, domain.SnapshotDate(snap.Date),
		snap.RMTScore, snap.AccuracyRate, uint32(snap.TotalScoredTips), snap.ConfidenceInterval,
		snap.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert score snapshot: %w", err)
	}
	return nil
}

// GetByCreatorRange returns snapshots with date in [from, to], ordered by date ASC.
func (s *SnapshotStore) GetByCreatorRange(ctx context.Context, creatorID string, from, to time.Time) ([]*domain.ScoreSnapshot, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT
			id, creator_id, date,
			rmt_score, accuracy_rate, total_scored_tips, confidence_interval,
			created_at
		FROM score_snapshots FINAL
		WHERE creator_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, creatorID, domain.SnapshotDate(from), domain.SnapshotDate(to))
	if err != nil {
		return nil, fmt.Errorf("query score snapshots: %w", err)
	}
	defer rows.Close()

	var result []*domain.ScoreSnapshot
	for rows.Next() {
		var (
			snap  domain.ScoreSnapshot
			total uint32
		)
		if err := rows.Scan(
			&snap.ID, &snap.CreatorID, &snap.Date,
			&snap.RMTScore, &snap.AccuracyRate, &total, &snap.ConfidenceInterval,
			&snap.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan score snapshot: %w", err)
		}
		snap.TotalScoredTips = int(total)
		snap.Date = domain.SnapshotDate(snap.Date)
		snap.CreatedAt = snap.CreatedAt.UTC()
		result = append(result, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score snapshots: %w", err)
	}
	return result, nil
}
