package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

// TipStore implements storage.TipStore using PostgreSQL.
type TipStore struct {
	pool *Pool
}

// NewTipStore creates a new TipStore.
func NewTipStore(pool *Pool) *TipStore {
	return &TipStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TipStore = (*TipStore)(nil)

const tipColumns = `
	id, creator_id, instrument_id,
	direction, entry_price, target1, target2, target3, stop_loss,
	timeframe, posted_at, expires_at,
	status, return_pct, resolved_at, status_updated_at, stop_loss_hit_at,
	flagged_reason, version`

// openTipFilter selects tips the evaluator still looks at.
const openTipFilter = `
	status IN ('ACTIVE', 'TARGET_1_HIT', 'TARGET_2_HIT')
	AND resolved_at IS NULL
	AND flagged_reason IS NULL`

// resolvedTipsQuery is shared with ScoreStore.Recompute.
const resolvedTipsQuery = `
	SELECT` + tipColumns + `
	FROM tips
	WHERE creator_id = $1
		AND status NOT IN ('PENDING_REVIEW', 'ACTIVE', 'REJECTED')
		AND return_pct IS NOT NULL
		AND COALESCE(resolved_at, status_updated_at) >= $2
	ORDER BY COALESCE(resolved_at, status_updated_at) ASC, id ASC`

// Insert adds a new tip. Returns ErrDuplicateKey if id exists.
func (s *TipStore) Insert(ctx context.Context, t *domain.Tip) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO tips (` + tipColumns + `
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19
		)
	`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.CreatorID, t.InstrumentID,
		string(t.Direction), t.EntryPrice, t.Target1, t.Target2, t.Target3, t.StopLoss,
		string(t.Timeframe), t.PostedAt, t.ExpiresAt,
		string(t.Status), t.ReturnPct, t.ResolvedAt, t.StatusUpdatedAt, t.StopLossHitAt,
		t.FlaggedReason, t.Version,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert tip: %w", err)
	}
	return nil
}

// GetByID retrieves a tip by its ID. Returns ErrNotFound if not exists.
func (s *TipStore) GetByID(ctx context.Context, id string) (*domain.Tip, error) {
	query := `SELECT` + tipColumns + ` FROM tips WHERE id = $1`

	t, err := scanTip(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get tip by id: %w", err)
	}
	return t, nil
}

// UpdateOutcome writes outcome fields when the stored version matches.
func (s *TipStore) UpdateOutcome(ctx context.Context, t *domain.Tip, expectedVersion int64) error {
	if t == nil || t.ID == "" || !t.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE tips SET
			status = $3,
			return_pct = $4,
			resolved_at = $5,
			status_updated_at = $6,
			stop_loss_hit_at = $7,
			version = version + 1
		WHERE id = $1 AND version = $2
	`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, expectedVersion,
		string(t.Status), t.ReturnPct, t.ResolvedAt, t.StatusUpdatedAt, t.StopLossHitAt,
	)
	if err != nil {
		return fmt.Errorf("update tip outcome: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing row from a stale version.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tips WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check tip exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrVersionConflict
}

// Flag marks a tip for manual resolution.
func (s *TipStore) Flag(ctx context.Context, id, reason string) error {
	if reason == "" {
		return storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tips SET flagged_reason = $2, version = version + 1 WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("flag tip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListOpen returns open tips with expires_at > asOf ordered by
// instrument_id, posted_at, id.
func (s *TipStore) ListOpen(ctx context.Context, asOf time.Time) ([]*domain.Tip, error) {
	query := `SELECT` + tipColumns + `
		FROM tips
		WHERE` + openTipFilter + `
			AND expires_at > $1
		ORDER BY instrument_id ASC, posted_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("list open tips: %w", err)
	}
	defer rows.Close()

	return scanTips(rows)
}

// ListOpenExpiredBefore returns open tips with expires_at <= cutoff.
func (s *TipStore) ListOpenExpiredBefore(ctx context.Context, cutoff time.Time) ([]*domain.Tip, error) {
	query := `SELECT` + tipColumns + `
		FROM tips
		WHERE` + openTipFilter + `
			AND expires_at <= $1
		ORDER BY expires_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired tips: %w", err)
	}
	defer rows.Close()

	return scanTips(rows)
}

// ListResolvedByCreator returns resolved tips of a creator with outcome time >= since.
func (s *TipStore) ListResolvedByCreator(ctx context.Context, creatorID string, since time.Time) ([]*domain.Tip, error) {
	return listResolved(ctx, s.pool, creatorID, since)
}

func listResolved(ctx context.Context, q querier, creatorID string, since time.Time) ([]*domain.Tip, error) {
	rows, err := q.Query(ctx, resolvedTipsQuery, creatorID, since)
	if err != nil {
		return nil, fmt.Errorf("list resolved tips: %w", err)
	}
	defer rows.Close()

	return scanTips(rows)
}

// ListCreatorIDs returns every creator having at least one tip, sorted.
func (s *TipStore) ListCreatorIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT creator_id FROM tips ORDER BY creator_id`)
	if err != nil {
		return nil, fmt.Errorf("list creator ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan creator id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate creator ids: %w", err)
	}
	return ids, nil
}

// scanTip scans a single row into Tip.
func scanTip(row pgx.Row) (*domain.Tip, error) {
	var (
		t                            domain.Tip
		direction, timeframe, status string
	)

	err := row.Scan(
		&t.ID, &t.CreatorID, &t.InstrumentID,
		&direction, &t.EntryPrice, &t.Target1, &t.Target2, &t.Target3, &t.StopLoss,
		&timeframe, &t.PostedAt, &t.ExpiresAt,
		&status, &t.ReturnPct, &t.ResolvedAt, &t.StatusUpdatedAt, &t.StopLossHitAt,
		&t.FlaggedReason, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	t.Direction = domain.Direction(direction)
	t.Timeframe = domain.Timeframe(timeframe)
	t.Status = domain.TipStatus(status)
	return &t, nil
}

// scanTips scans multiple rows into Tip slice.
func scanTips(rows pgx.Rows) ([]*domain.Tip, error) {
	var result []*domain.Tip
	for rows.Next() {
		t, err := scanTip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tip: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tips: %w", err)
	}
	return result, nil
}
