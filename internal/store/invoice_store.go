package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/events"
)

// ErrUnexpectedStatus is returned by conditional transitions when another
// worker has already moved the row out from under the caller's expected
// starting status. Callers log and treat this as a no-op, not an error.
var ErrUnexpectedStatus = errors.New("store: unexpected status")

// ErrNotFound is returned when a row lookup finds nothing.
var ErrNotFound = errors.New("store: not found")

type InvoiceStore struct {
	pool   *pgxpool.Pool
	log    *zap.Logger
	events events.Publisher // nil is a valid no-op
}

func NewInvoiceStore(pool *pgxpool.Pool, log *zap.Logger, pub events.Publisher) *InvoiceStore {
	return &InvoiceStore{pool: pool, log: log, events: pub}
}

func (s *InvoiceStore) publish(ctx context.Context, eventType string, invoiceID uuid.UUID, extra map[string]any) {
	if s.events == nil {
		return
	}
	payload := map[string]any{"invoice_id": invoiceID.String()}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.events.Publish(ctx, events.StreamInvoices, events.Event{Type: eventType, Payload: payload}); err != nil {
		s.log.Warn("event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

// Create inserts a new pending invoice, populating ID and CreatedAt.
func (s *InvoiceStore) Create(ctx context.Context, inv *Invoice) error {
	metaRaw, err := json.Marshal(inv.Metadata)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO invoices (merchant_id, memo_code, price_eur, price_zec, zec_rate_at_creation, currency,
		                       description, metadata, shipping_alias, shipping_address, shipping_region,
		                       status, accumulated_zats, expires_at, purge_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, $14)
		RETURNING id, created_at
	`, inv.MerchantID, inv.MemoCode, inv.PriceEUR, inv.PriceZEC, inv.ZECRateAtCreation, inv.Currency,
		inv.Description, metaRaw, inv.ShippingAlias, inv.ShippingAddress, inv.ShippingRegion,
		inv.Status, inv.ExpiresAt, inv.PurgeAfter,
	).Scan(&inv.ID, &inv.CreatedAt)
}

func (s *InvoiceStore) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.scanOne(ctx, `
		SELECT id, merchant_id, memo_code, price_eur, price_zec, zec_rate_at_creation, currency,
		       description, metadata, shipping_alias, shipping_address, shipping_region,
		       status, accumulated_zats, detected_txid, detected_at, confirmed_at, expires_at,
		       purge_after, created_at
		FROM invoices WHERE id = $1
	`, id)
}

func (s *InvoiceStore) GetByMemoCode(ctx context.Context, memoCode string) (*Invoice, error) {
	return s.scanOne(ctx, `
		SELECT id, merchant_id, memo_code, price_eur, price_zec, zec_rate_at_creation, currency,
		       description, metadata, shipping_alias, shipping_address, shipping_region,
		       status, accumulated_zats, detected_txid, detected_at, confirmed_at, expires_at,
		       purge_after, created_at
		FROM invoices WHERE memo_code = $1
	`, memoCode)
}

func (s *InvoiceStore) scanOne(ctx context.Context, query string, arg any) (*Invoice, error) {
	var inv Invoice
	var metaRaw []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&inv.ID, &inv.MerchantID, &inv.MemoCode, &inv.PriceEUR, &inv.PriceZEC,
		&inv.ZECRateAtCreation, &inv.Currency, &inv.Description, &metaRaw, &inv.ShippingAlias, &inv.ShippingAddress,
		&inv.ShippingRegion, &inv.Status, &inv.AccumulatedZats, &inv.DetectedTxid, &inv.DetectedAt, &inv.ConfirmedAt,
		&inv.ExpiresAt, &inv.PurgeAfter, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &inv.Metadata)
	}
	return &inv, nil
}

// ListByMerchant returns a merchant's invoices newest first.
func (s *InvoiceStore) ListByMerchant(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]Invoice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, merchant_id, memo_code, price_eur, price_zec, zec_rate_at_creation, currency,
		       description, metadata, shipping_alias, shipping_address, shipping_region,
		       status, accumulated_zats, detected_txid, detected_at, confirmed_at, expires_at,
		       purge_after, created_at
		FROM invoices WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, merchantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		var inv Invoice
		var metaRaw []byte
		if err := rows.Scan(&inv.ID, &inv.MerchantID, &inv.MemoCode, &inv.PriceEUR, &inv.PriceZEC,
			&inv.ZECRateAtCreation, &inv.Currency, &inv.Description, &metaRaw, &inv.ShippingAlias,
			&inv.ShippingAddress, &inv.ShippingRegion, &inv.Status, &inv.AccumulatedZats, &inv.DetectedTxid,
			&inv.DetectedAt, &inv.ConfirmedAt, &inv.ExpiresAt, &inv.PurgeAfter, &inv.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &inv.Metadata)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Cancel transitions a pending/underpaid invoice to cancelled; a
// merchant-initiated action, never triggered by the scanner.
func (s *InvoiceStore) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices SET status = 'cancelled'
		WHERE id = $1 AND status IN ('pending', 'underpaid')
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnexpectedStatus
	}
	s.publish(ctx, events.EventInvoiceCancelled, id, nil)
	return nil
}

// MarkShipped transitions a confirmed invoice to shipped; a
// merchant-initiated action once the order has been fulfilled.
func (s *InvoiceStore) MarkShipped(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices SET status = 'shipped'
		WHERE id = $1 AND status = 'confirmed'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnexpectedStatus
	}
	s.publish(ctx, events.EventInvoiceShipped, id, nil)
	return nil
}

// MarkRefunded transitions a confirmed invoice to refunded; a
// merchant-initiated action taken outside the shielded-payment flow
// this core never reverses funds it never held.
func (s *InvoiceStore) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices SET status = 'refunded'
		WHERE id = $1 AND status = 'confirmed'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnexpectedStatus
	}
	s.publish(ctx, events.EventInvoiceRefunded, id, nil)
	return nil
}

func (s *InvoiceStore) OpenInvoicesByMemo(ctx context.Context, memoCode string) (*Invoice, error) {
	var inv Invoice
	var metaRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, merchant_id, memo_code, price_eur, price_zec, zec_rate_at_creation, currency,
		       description, metadata, shipping_alias, shipping_address, shipping_region,
		       status, accumulated_zats, detected_txid, detected_at, confirmed_at, expires_at,
		       purge_after, created_at
		FROM invoices
		WHERE memo_code = $1 AND status IN ('pending', 'underpaid')
	`, memoCode).Scan(&inv.ID, &inv.MerchantID, &inv.MemoCode, &inv.PriceEUR, &inv.PriceZEC, &inv.ZECRateAtCreation,
		&inv.Currency, &inv.Description, &metaRaw, &inv.ShippingAlias, &inv.ShippingAddress, &inv.ShippingRegion,
		&inv.Status, &inv.AccumulatedZats, &inv.DetectedTxid, &inv.DetectedAt, &inv.ConfirmedAt, &inv.ExpiresAt,
		&inv.PurgeAfter, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &inv.Metadata)
	}
	return &inv, nil
}

// MarkDetected accumulates zats paid toward an invoice and transitions it
// to newStatus, which the caller (the matcher) has already decided is
// detected or underpaid from the accumulated total. The accumulation and the
// compare-and-swap happen in one statement so concurrent top-ups from the
// mempool and block loops serialize on the row lock rather than racing on
// a read-modify-write in application code.
func (s *InvoiceStore) MarkDetected(ctx context.Context, invoiceID uuid.UUID, txid string, addedZats int64, at time.Time, newStatus string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var currentTxid *string
	var currentStatus string
	err = tx.QueryRow(ctx, `
		UPDATE invoices
		SET accumulated_zats = accumulated_zats + $1,
		    status = $2,
		    detected_txid = COALESCE(detected_txid, $3),
		    detected_at = COALESCE(detected_at, $4)
		WHERE id = $5 AND status IN ('pending', 'underpaid')
		RETURNING detected_txid, status
	`, addedZats, newStatus, txid, at, invoiceID).Scan(&currentTxid, &currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnexpectedStatus
	}
	if err != nil {
		return err
	}

	if currentTxid != nil && *currentTxid != txid {
		// A top-up of an underpaid invoice: its value is accumulated and
		// the status advanced, but the earliest detected_txid is kept.
		s.log.Info("invoice already carries an earlier detected txid; keeping it",
			zap.String("invoice_id", invoiceID.String()),
			zap.String("detected_txid", *currentTxid),
			zap.String("topup_txid", txid))
	}

	if newStatus == InvoiceStatusDetected {
		if err := s.enqueueWebhookTx(ctx, tx, invoiceID, "invoice.detected", txid, at); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if newStatus == InvoiceStatusDetected {
		s.publish(ctx, events.EventInvoiceDetected, invoiceID, map[string]any{"txid": txid})
	}
	return nil
}

func (s *InvoiceStore) MarkConfirmed(ctx context.Context, invoiceID uuid.UUID, blockHeight uint64, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var txid *string
	tag, err := tx.Exec(ctx, `
		UPDATE invoices SET status = 'confirmed', confirmed_at = $1
		WHERE id = $2 AND status = 'detected'
	`, at, invoiceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnexpectedStatus
	}

	if err := tx.QueryRow(ctx, `SELECT detected_txid FROM invoices WHERE id = $1`, invoiceID).Scan(&txid); err != nil {
		return err
	}

	if err := s.enqueueWebhookTx(ctx, tx, invoiceID, "invoice.confirmed", derefStr(txid), at); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.publish(ctx, events.EventInvoiceConfirmed, invoiceID, map[string]any{"txid": derefStr(txid), "block_height": blockHeight})
	return nil
}

func (s *InvoiceStore) MarkExpired(ctx context.Context, invoiceID uuid.UUID, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE invoices SET status = 'expired'
		WHERE id = $1 AND status IN ('pending', 'underpaid') AND expires_at <= $2
	`, invoiceID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnexpectedStatus
	}

	if err := s.enqueueWebhookTx(ctx, tx, invoiceID, "invoice.expired", "", at); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.publish(ctx, events.EventInvoiceExpired, invoiceID, nil)
	return nil
}

// ExpiringInvoices returns pending/underpaid invoices whose expires_at has
// already passed, for the InvoiceLifecycle expiry worker.
func (s *InvoiceStore) ExpiringInvoices(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM invoices
		WHERE status IN ('pending', 'underpaid') AND expires_at <= $1
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeShippingFields overwrites shipping fields with fixed-length zero
// bytes for every invoice whose purge_after has passed. Cryptographic
// erasure, not a NULL set, per the purge worker's contract.
func (s *InvoiceStore) PurgeShippingFields(ctx context.Context, now time.Time) (int64, error) {
	zeroed := string(make([]byte, 32))
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET shipping_alias = $1, shipping_address = $1, shipping_region = $1, purge_after = NULL
		WHERE purge_after IS NOT NULL AND purge_after <= $2
		  AND (shipping_alias IS NOT NULL OR shipping_address IS NOT NULL OR shipping_region IS NOT NULL)
	`, zeroed, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *InvoiceStore) enqueueWebhookTx(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID, event, txid string, at time.Time) error {
	payload, err := json.Marshal(map[string]any{
		"event":      event,
		"invoice_id": invoiceID.String(),
		"txid":       nullableString(txid),
		"timestamp":  at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	var url *string
	var secret string
	err = tx.QueryRow(ctx, `
		SELECT m.webhook_url, m.webhook_secret
		FROM invoices i JOIN merchants m ON m.id = i.merchant_id
		WHERE i.id = $1
	`, invoiceID).Scan(&url, &secret)
	if err != nil {
		return err
	}
	if url == nil || *url == "" {
		return nil // merchant deactivated; nothing to deliver
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO webhook_deliveries (invoice_id, url, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, 'pending', 0, $4)
	`, invoiceID, *url, payload, at)
	return err
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
