package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ratemytip/internal/domain"
	"ratemytip/internal/storage"
)

// ScoreStore implements storage.ScoreRepository using PostgreSQL.
type ScoreStore struct {
	pool *Pool
}

// NewScoreStore creates a new ScoreStore.
func NewScoreStore(pool *Pool) *ScoreStore {
	return &ScoreStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ScoreRepository = (*ScoreStore)(nil)

const scoreColumns = `
	creator_id,
	accuracy_score, risk_adjusted_score, consistency_score, volume_factor_score,
	rmt_score, confidence_interval,
	accuracy_rate, avg_return_pct, avg_risk_reward_ratio,
	win_streak, loss_streak, best_tip_return_pct, worst_tip_return_pct,
	intraday_accuracy, swing_accuracy, positional_accuracy, long_term_accuracy,
	total_scored_tips, low_confidence,
	score_period_start, score_period_end, calculated_at`

// Get retrieves the current score. Returns ErrNotFound for unrated creators.
func (s *ScoreStore) Get(ctx context.Context, creatorID string) (*domain.CreatorScore, error) {
	query := `SELECT` + scoreColumns + ` FROM creator_scores WHERE creator_id = $1`

	sc, err := scanScore(s.pool.QueryRow(ctx, query, creatorID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get creator score: %w", err)
	}
	return sc, nil
}

// Recompute replaces or clears the creator's score in one transaction.
// pg_advisory_xact_lock serializes recomputes of the same creator across workers.
func (s *ScoreStore) Recompute(ctx context.Context, creatorID string, since time.Time, fn storage.ScoreFunc) (*domain.CreatorScore, error) {
	if creatorID == "" || fn == nil {
		return nil, storage.ErrInvalidInput
	}

	var result *domain.CreatorScore
	err := s.pool.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, creatorID); err != nil {
			return fmt.Errorf("lock creator %s: %w", creatorID, err)
		}

		tips, err := listResolved(ctx, tx, creatorID, since)
		if err != nil {
			return err
		}

		sc := fn(tips)
		if sc == nil {
			if _, err := tx.Exec(ctx, `DELETE FROM creator_scores WHERE creator_id = $1`, creatorID); err != nil {
				return fmt.Errorf("clear creator score: %w", err)
			}
			return nil
		}

		sc.CreatorID = creatorID
		if err := upsertScore(ctx, tx, sc); err != nil {
			return err
		}
		result = sc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func upsertScore(ctx context.Context, q querier, sc *domain.CreatorScore) error {
	query := `
		INSERT INTO creator_scores (` + scoreColumns + `
		) VALUES (
			$1,
			$2, $3, $4, $5,
			$6, $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20,
			$21, $22, $23
		)
		ON CONFLICT (creator_id) DO UPDATE SET
			accuracy_score = EXCLUDED.accuracy_score,
			risk_adjusted_score = EXCLUDED.risk_adjusted_score,
			consistency_score = EXCLUDED.consistency_score,
			volume_factor_score = EXCLUDED.volume_factor_score,
			rmt_score = EXCLUDED.rmt_score,
			confidence_interval = EXCLUDED.confidence_interval,
			accuracy_rate = EXCLUDED.accuracy_rate,
			avg_return_pct = EXCLUDED.avg_return_pct,
			avg_risk_reward_ratio = EXCLUDED.avg_risk_reward_ratio,
			win_streak = EXCLUDED.win_streak,
			loss_streak = EXCLUDED.loss_streak,
			best_tip_return_pct = EXCLUDED.best_tip_return_pct,
			worst_tip_return_pct = EXCLUDED.worst_tip_return_pct,
			intraday_accuracy = EXCLUDED.intraday_accuracy,
			swing_accuracy = EXCLUDED.swing_accuracy,
			positional_accuracy = EXCLUDED.positional_accuracy,
			long_term_accuracy = EXCLUDED.long_term_accuracy,
			total_scored_tips = EXCLUDED.total_scored_tips,
			low_confidence = EXCLUDED.low_confidence,
			score_period_start = EXCLUDED.score_period_start,
			score_period_end = EXCLUDED.score_period_end,
			calculated_at = EXCLUDED.calculated_at
	`

	_, err := q.Exec(ctx, query,
		sc.CreatorID,
		sc.AccuracyScore, sc.RiskAdjustedScore, sc.ConsistencyScore, sc.VolumeFactorScore,
		sc.RMTScore, sc.ConfidenceInterval,
		sc.AccuracyRate, sc.AvgReturnPct, sc.AvgRiskRewardRatio,
		sc.WinStreak, sc.LossStreak, sc.BestTipReturnPct, sc.WorstTipReturnPct,
		sc.IntradayAccuracy, sc.SwingAccuracy, sc.PositionalAccuracy, sc.LongTermAccuracy,
		sc.TotalScoredTips, sc.LowConfidence,
		sc.ScorePeriodStart, sc.ScorePeriodEnd, sc.CalculatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert creator score: %w", err)
	}
	return nil
}

// ListRanked returns scores ordered by rmt_score DESC, creator_id ASC.
func (s *ScoreStore) ListRanked(ctx context.Context, limit, offset int) ([]*domain.CreatorScore, error) {
	if limit < 0 || offset < 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `SELECT` + scoreColumns + `
		FROM creator_scores
		ORDER BY rmt_score DESC, creator_id ASC
		LIMIT NULLIF($1, 0) OFFSET $2`

	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list ranked scores: %w", err)
	}
	defer rows.Close()

	var result []*domain.CreatorScore
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan creator score: %w", err)
		}
		result = append(result, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate creator scores: %w", err)
	}
	return result, nil
}

// scanScore scans a single row into CreatorScore.
func scanScore(row pgx.Row) (*domain.CreatorScore, error) {
	var sc domain.CreatorScore
	err := row.Scan(
		&sc.CreatorID,
		&sc.AccuracyScore, &sc.RiskAdjustedScore, &sc.ConsistencyScore, &sc.VolumeFactorScore,
		&sc.RMTScore, &sc.ConfidenceInterval,
		&sc.AccuracyRate, &sc.AvgReturnPct, &sc.AvgRiskRewardRatio,
		&sc.WinStreak, &sc.LossStreak, &sc.BestTipReturnPct, &sc.WorstTipReturnPct,
		&sc.IntradayAccuracy, &sc.SwingAccuracy, &sc.PositionalAccuracy, &sc.LongTermAccuracy,
		&sc.TotalScoredTips, &sc.LowConfidence,
		&sc.ScorePeriodStart, &sc.ScorePeriodEnd, &sc.CalculatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}
