package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
)

// ProfileScore is one pending score snapshot destined for the store of record.
// Score fields arrive as strings because the authoritative hash stores them
// that way.
type ProfileScore struct {
	TenantID   string
	ProfileID  string
	Conviction string
	Activity   string
	Rank       int
	UpdatedAt  time.Time
}

// SyncResult counts per-item outcomes of one replication batch
type SyncResult struct {
	Success int
	Failed  int
}

// ScoreRepository replicates score snapshots into the profiles table
type ScoreRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewScoreRepository creates the repository
func NewScoreRepository(db *sqlx.DB, logger observability.Logger) *ScoreRepository {
	if logger == nil {
		logger = observability.NewLogger("repository.score")
	}
	return &ScoreRepository{db: db, logger: logger}
}

// SyncProfileScores writes a batch of score snapshots in one transaction.
// Items that fail to parse are counted as failed and skipped; a statement
// error fails the whole batch so the caller can retry it.
func (r *ScoreRepository) SyncProfileScores(ctx context.Context, items []ProfileScore) (SyncResult, error) {
	var result SyncResult
	if len(items) == 0 {
		return result, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin score sync transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range items {
		conviction, cerr := strconv.ParseFloat(item.Conviction, 64)
		activity, aerr := strconv.ParseFloat(item.Activity, 64)
		if cerr != nil || aerr != nil {
			r.logger.Warn("unparseable score snapshot dropped", map[string]interface{}{
				"tenant_id":  item.TenantID,
				"profile_id": item.ProfileID,
			})
			result.Failed++
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE profiles
			SET conviction = $1, activity = $2, rank = $3, updated_at = $4
			WHERE tenant_id = $5 AND profile_id = $6`,
			conviction, activity, item.Rank, item.UpdatedAt,
			item.TenantID, item.ProfileID); err != nil {
			return SyncResult{Failed: len(items)}, fmt.Errorf("failed to sync profile score: %w", err)
		}
		result.Success++
	}

	if err := tx.Commit(); err != nil {
		return SyncResult{Failed: len(items)}, fmt.Errorf("failed to commit score sync: %w", err)
	}
	return result, nil
}
