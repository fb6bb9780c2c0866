// Package repository implements the relational persistence layer for budget
// finalization and score replication.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
)

var (
	// ErrStaleFence means the finalize carried a fence token that is not
	// strictly greater than the tenant's persisted token
	ErrStaleFence = errors.New("stale fence token")
	// ErrAlreadyFinalized means the idempotency key already has a usage event
	ErrAlreadyFinalized = errors.New("usage event already finalized")
)

// LotDebit records how much was taken from one credit lot
type LotDebit struct {
	LotID       string `db:"lot_id"`
	AmountMicro int64  `db:"amount_micro"`
}

// FinalizeParams carries everything the finalize transaction needs
type FinalizeParams struct {
	TenantID      string
	IdemKey       string
	ReservationID string
	FenceToken    int64
	AmountMicro   int64
	CreatedAt     time.Time
}

// FinalizeRecord reports what the committed transaction did
type FinalizeRecord struct {
	Debits []LotDebit
}

type creditLot struct {
	ID             string `db:"id"`
	RemainingMicro int64  `db:"remaining_micro"`
}

// BudgetRepository persists usage events, fence tokens, and credit lot debits
type BudgetRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewBudgetRepository creates the repository
func NewBudgetRepository(db *sqlx.DB, logger observability.Logger) *BudgetRepository {
	if logger == nil {
		logger = observability.NewLogger("repository.budget")
	}
	return &BudgetRepository{db: db, logger: logger}
}

// FinalizeUsage runs the finalize transaction: advance the tenant fence,
// insert the usage event (the durable idempotency marker), and debit credit
// lots earliest-expiry-first until the amount is satisfied. The whole
// sequence commits or rolls back together; duplicate lot entries are no-ops
// via the (lot_id, reservation_id) unique index.
func (r *BudgetRepository) FinalizeUsage(ctx context.Context, params FinalizeParams) (FinalizeRecord, error) {
	var record FinalizeRecord

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return record, fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.advanceFence(ctx, tx, params.TenantID, params.FenceToken); err != nil {
		return record, err
	}

	inserted, err := r.insertUsageEvent(ctx, tx, params)
	if err != nil {
		return record, err
	}
	if !inserted {
		return record, ErrAlreadyFinalized
	}

	debits, err := r.debitLots(ctx, tx, params)
	if err != nil {
		return record, err
	}
	record.Debits = debits

	if err := tx.Commit(); err != nil {
		return FinalizeRecord{}, fmt.Errorf("failed to commit finalize transaction: %w", err)
	}
	return record, nil
}

// advanceFence moves the persisted fence forward only for strictly greater
// tokens. Zero rows touched means the token is stale.
func (r *BudgetRepository) advanceFence(ctx context.Context, tx *sqlx.Tx, tenantID string, token int64) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_fences (tenant_id, fence_token)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE
		SET fence_token = EXCLUDED.fence_token
		WHERE tenant_fences.fence_token < EXCLUDED.fence_token`,
		tenantID, token)
	if err != nil {
		return fmt.Errorf("failed to advance fence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read fence result: %w", err)
	}
	if n == 0 {
		return ErrStaleFence
	}
	return nil
}

func (r *BudgetRepository) insertUsageEvent(ctx context.Context, tx *sqlx.Tx, params FinalizeParams) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO usage_events (tenant_id, idem_key, amount_micro, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idem_key) DO NOTHING`,
		params.TenantID, params.IdemKey, params.AmountMicro, params.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert usage event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read usage event result: %w", err)
	}
	return n > 0, nil
}

// debitLots takes from open lots in earliest-expiry-first order until the
// amount is covered. Lots without an expiry sort last.
func (r *BudgetRepository) debitLots(ctx context.Context, tx *sqlx.Tx, params FinalizeParams) ([]LotDebit, error) {
	var lots []creditLot
	err := tx.SelectContext(ctx, &lots, `
		SELECT id, remaining_micro
		FROM credit_lots
		WHERE tenant_id = $1 AND remaining_micro > 0
		ORDER BY COALESCE(expires_at, 'infinity'::timestamptz) ASC, created_at ASC
		FOR UPDATE`,
		params.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to select lots for debit: %w", err)
	}

	remaining := params.AmountMicro
	var debits []LotDebit
	for _, lot := range lots {
		if remaining <= 0 {
			break
		}
		take := lot.RemainingMicro
		if take > remaining {
			take = remaining
		}

		inserted, err := r.insertLotEntry(ctx, tx, lot.ID, params.ReservationID, take)
		if err != nil {
			return nil, err
		}
		if !inserted {
			// A prior attempt already debited this lot for this reservation.
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_lots SET remaining_micro = remaining_micro - $1 WHERE id = $2`,
			take, lot.ID); err != nil {
			return nil, fmt.Errorf("failed to update lot remaining: %w", err)
		}
		if lot.RemainingMicro == take {
			if _, err := tx.ExecContext(ctx, `
				UPDATE credit_lots SET depleted_at = $1 WHERE id = $2`,
				params.CreatedAt, lot.ID); err != nil {
				return nil, fmt.Errorf("failed to mark lot depleted: %w", err)
			}
		}

		debits = append(debits, LotDebit{LotID: lot.ID, AmountMicro: take})
		remaining -= take
	}

	if remaining > 0 {
		r.logger.Warn("credit lots exhausted before amount satisfied", map[string]interface{}{
			"tenant_id":       params.TenantID,
			"uncovered_micro": remaining,
		})
	}
	return debits, nil
}

func (r *BudgetRepository) insertLotEntry(ctx context.Context, tx *sqlx.Tx, lotID, reservationID string, amount int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_lot_entries (lot_id, reservation_id, amount_micro)
		VALUES ($1, $2, $3)
		ON CONFLICT (lot_id, reservation_id) DO NOTHING`,
		lotID, reservationID, amount)
	if err != nil {
		return false, fmt.Errorf("failed to insert lot entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lot entry result: %w", err)
	}
	return n > 0, nil
}

// FenceToken returns the tenant's persisted fence token, 0 when unset
func (r *BudgetRepository) FenceToken(ctx context.Context, tenantID string) (int64, error) {
	var token int64
	err := r.db.GetContext(ctx, &token,
		`SELECT fence_token FROM tenant_fences WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read fence token: %w", err)
	}
	return token, nil
}

// CommittedTotal sums the tenant's usage events since a cutoff; the budget
// manager compares it against the KV committed counter to measure drift
func (r *BudgetRepository) CommittedTotal(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var total int64
	err := r.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(amount_micro), 0)
		FROM usage_events
		WHERE tenant_id = $1 AND created_at >= $2`,
		tenantID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage events: %w", err)
	}
	return total, nil
}
