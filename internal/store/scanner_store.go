package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ScannerStore persists the scanner cursor and the seen-tx dedup set.
// Both are reconstructed from this store on startup; the Scanner itself
// holds no entity lifetime longer than one scan cycle.
type ScannerStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewScannerStore(pool *pgxpool.Pool, log *zap.Logger) *ScannerStore {
	return &ScannerStore{pool: pool, log: log}
}

// SetScannerCursor is a single-row upsert; the cursor is a process-wide
// singleton keyed by a fixed id.
func (s *ScannerStore) SetScannerCursor(ctx context.Context, height uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scanner_cursor (id, last_scanned_block_height, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET last_scanned_block_height = $1, updated_at = now()
		  WHERE scanner_cursor.last_scanned_block_height <= $1
	`, height)
	return err
}

func (s *ScannerStore) GetScannerCursor(ctx context.Context) (*ScannerCursor, error) {
	var c ScannerCursor
	err := s.pool.QueryRow(ctx, `
		SELECT last_scanned_block_height, updated_at FROM scanner_cursor WHERE id = 1
	`).Scan(&c.LastScannedBlockHeight, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ScannerStore) RecordSeenTx(ctx context.Context, txid, disposition string, invoiceID *uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO seen_txs (txid, first_seen_at, disposition, invoice_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (txid) DO NOTHING
	`, txid, at, disposition, invoiceID)
	return err
}

func (s *ScannerStore) SeenTx(ctx context.Context, txid string) (*SeenTxEntry, error) {
	var e SeenTxEntry
	err := s.pool.QueryRow(ctx, `
		SELECT txid, first_seen_at, disposition, invoice_id FROM seen_txs WHERE txid = $1
	`, txid).Scan(&e.Txid, &e.FirstSeenAt, &e.Disposition, &e.InvoiceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PruneSeenTxs deletes entries older than the given cutoff. The mempool
// TTL is at least one hour; the block loop's re-scan of any block
// containing a pruned txid is the safety net if pruning runs early.
func (s *ScannerStore) PruneSeenTxs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM seen_txs WHERE first_seen_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
