package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WebhookStore exposes the operations the WebhookDispatcher needs. Rows
// are written by InvoiceStore transitions (in the same transaction as the
// status change that caused them) and only ever read/updated here.
type WebhookStore struct {
	pool *pgxpool.Pool
}

func NewWebhookStore(pool *pgxpool.Pool) *WebhookStore {
	return &WebhookStore{pool: pool}
}

// DueDeliveries returns pending deliveries whose next_retry_at has passed
// (or was never set, for first attempts), bounded by limit so one
// dispatcher tick never tries to drain an unbounded backlog at once.
func (s *WebhookStore) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, invoice_id, url, payload, status, attempts, last_attempt_at, next_retry_at, created_at
		FROM webhook_deliveries
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.InvoiceID, &d.URL, &d.Payload, &d.Status, &d.Attempts,
			&d.LastAttemptAt, &d.NextRetryAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *WebhookStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'delivered', attempts = attempts + 1, last_attempt_at = $1
		WHERE id = $2 AND status = 'pending'
	`, at, id)
	return err
}

func (s *WebhookStore) ScheduleRetry(ctx context.Context, id uuid.UUID, at, nextRetryAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1, last_attempt_at = $1, next_retry_at = $2
		WHERE id = $3 AND status = 'pending'
	`, at, nextRetryAt, id)
	return err
}

func (s *WebhookStore) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'failed', attempts = attempts + 1, last_attempt_at = $1
		WHERE id = $2 AND status = 'pending'
	`, at, id)
	return err
}

// WebhookSecretForInvoice resolves the encrypted signing secret for the
// merchant that owns invoiceID, for the dispatcher to decrypt per-send.
func (s *WebhookStore) WebhookSecretForInvoice(ctx context.Context, invoiceID uuid.UUID) (string, error) {
	var secret string
	err := s.pool.QueryRow(ctx, `
		SELECT m.webhook_secret
		FROM invoices i JOIN merchants m ON m.id = i.merchant_id
		WHERE i.id = $1
	`, invoiceID).Scan(&secret)
	return secret, err
}
