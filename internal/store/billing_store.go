package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BillingStore persists the platform-fee settlement ledger: one open
// billing cycle per merchant at a time, accruing zatoshis detected
// under the platform's own fee address, settled on a timer by
// internal/billing.
type BillingStore struct {
	pool *pgxpool.Pool
}

func NewBillingStore(pool *pgxpool.Pool) *BillingStore {
	return &BillingStore{pool: pool}
}

// CreateCycle inserts a new open cycle, populating ID.
func (s *BillingStore) CreateCycle(ctx context.Context, c *BillingCycle) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO billing_cycles (merchant_id, cycle_code, cycle_kind, period_start, period_end, fee_zats_accrued)
		VALUES ($1, $2, $3, $4, $5, 0)
		RETURNING id
	`, c.MerchantID, c.CycleCode, c.CycleKind, c.PeriodStart, c.PeriodEnd).Scan(&c.ID)
}

// OpenCycleByMerchant returns the merchant's current unsettled cycle,
// if one exists.
func (s *BillingStore) OpenCycleByMerchant(ctx context.Context, merchantID uuid.UUID) (*BillingCycle, error) {
	return s.scanOne(ctx, `
		SELECT id, merchant_id, cycle_code, cycle_kind, period_start, period_end, fee_zats_accrued, settled_at
		FROM billing_cycles WHERE merchant_id = $1 AND settled_at IS NULL
	`, merchantID)
}

// OpenCycleByCode resolves the memo-carried FEE-XXXXXXXX token to its
// still-open billing cycle, the billing equivalent of
// InvoiceStore.OpenInvoicesByMemo.
func (s *BillingStore) OpenCycleByCode(ctx context.Context, code string) (*BillingCycle, error) {
	return s.scanOne(ctx, `
		SELECT id, merchant_id, cycle_code, cycle_kind, period_start, period_end, fee_zats_accrued, settled_at
		FROM billing_cycles WHERE cycle_code = $1 AND settled_at IS NULL
	`, code)
}

func (s *BillingStore) scanOne(ctx context.Context, query string, arg any) (*BillingCycle, error) {
	var c BillingCycle
	err := s.pool.QueryRow(ctx, query, arg).Scan(&c.ID, &c.MerchantID, &c.CycleCode, &c.CycleKind,
		&c.PeriodStart, &c.PeriodEnd, &c.FeeZatsAccrued, &c.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AccrueFee adds zats to a cycle's running total, the same
// accumulate-in-place shape InvoiceStore.MarkDetected uses for
// AccumulatedZats, so concurrent scanner goroutines serialize on the
// row lock rather than racing a read-modify-write in application code.
func (s *BillingStore) AccrueFee(ctx context.Context, cycleID uuid.UUID, zats int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE billing_cycles SET fee_zats_accrued = fee_zats_accrued + $1
		WHERE id = $2 AND settled_at IS NULL
	`, zats, cycleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnexpectedStatus
	}
	return nil
}

// DueCycles returns open cycles whose period has ended, for the
// billing settlement ticker.
func (s *BillingStore) DueCycles(ctx context.Context, now time.Time, limit int) ([]BillingCycle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, merchant_id, cycle_code, cycle_kind, period_start, period_end, fee_zats_accrued, settled_at
		FROM billing_cycles WHERE settled_at IS NULL AND period_end <= $1
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BillingCycle
	for rows.Next() {
		var c BillingCycle
		if err := rows.Scan(&c.ID, &c.MerchantID, &c.CycleCode, &c.CycleKind,
			&c.PeriodStart, &c.PeriodEnd, &c.FeeZatsAccrued, &c.SettledAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SettleCycle closes a cycle at `at`, conditional on it still being
// open so a concurrent settlement pass never double-closes one.
func (s *BillingStore) SettleCycle(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE billing_cycles SET settled_at = $1 WHERE id = $2 AND settled_at IS NULL
	`, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnexpectedStatus
	}
	return nil
}

// ListOpen returns every merchant's currently open cycle, for the
// admin dashboard's billing overview.
func (s *BillingStore) ListOpen(ctx context.Context) ([]BillingCycle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, merchant_id, cycle_code, cycle_kind, period_start, period_end, fee_zats_accrued, settled_at
		FROM billing_cycles WHERE settled_at IS NULL
		ORDER BY period_end ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BillingCycle
	for rows.Next() {
		var c BillingCycle
		if err := rows.Scan(&c.ID, &c.MerchantID, &c.CycleCode, &c.CycleKind,
			&c.PeriodStart, &c.PeriodEnd, &c.FeeZatsAccrued, &c.SettledAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
