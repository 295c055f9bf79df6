// Package scanner hosts the mempool and block polling loops that
// drive payment detection end to end: fetch candidate transactions,
// parse them, trial-decrypt every merchant's viewing key against
// every shielded output, match decrypted memos to open invoices, and
// transition those invoices in the store.
package scanner

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/billing"
	"github.com/cipherpay/backend/internal/chainsource"
	"github.com/cipherpay/backend/internal/decrypt"
	"github.com/cipherpay/backend/internal/matcher"
	"github.com/cipherpay/backend/internal/store"
	"github.com/cipherpay/backend/internal/txparser"
	"github.com/cipherpay/backend/internal/viewingkey"
)

// Biller is the subset of billing.Service the scanner needs to divert
// a decrypted platform fee payment away from the invoice matcher.
type Biller interface {
	Accrue(ctx context.Context, memo string, valueZats int64) (bool, error)
}

// InvoiceStore is the subset of store.InvoiceStore the scanner drives.
type InvoiceStore interface {
	matcher.Store
	MarkDetected(ctx context.Context, invoiceID uuid.UUID, txid string, addedZats int64, at time.Time, newStatus string) error
	MarkConfirmed(ctx context.Context, invoiceID uuid.UUID, blockHeight uint64, at time.Time) error
}

// ScannerCursorStore is the subset of store.ScannerStore the block
// loop needs for cursor persistence and seen-tx dedup.
type ScannerCursorStore interface {
	GetScannerCursor(ctx context.Context) (*store.ScannerCursor, error)
	SetScannerCursor(ctx context.Context, height uint64) error
	RecordSeenTx(ctx context.Context, txid, disposition string, invoiceID *uuid.UUID, at time.Time) error
	SeenTx(ctx context.Context, txid string) (*store.SeenTxEntry, error)
}

// decryptJob is one merchant's prepared keys tried against one
// transaction; result is delivered to a per-call channel so many
// concurrent decryptAndMatch calls (mempool loop and block loop can
// run at once) can share the same worker pool without their results
// interleaving.
type decryptJob struct {
	tx     *txparser.ParsedTx
	mk     viewingkey.MerchantKeys
	result chan<- merchantTotal
}

type merchantTotal struct {
	merchantID uuid.UUID
	valueZats  int64
	memo       string // first memo observed for this merchant in this tx
	ok         bool
}

// Scanner owns the mempool loop, the block loop, and the blocking
// pool trial decryption is offloaded to. Per §5's scheduling model,
// the chunked decryption work below runs on a bounded, process-wide
// pool of goroutines started once at construction, never spawned
// fresh per transaction, so a burst of mempool activity cannot starve
// the webhook dispatcher or the read API sharing the process's
// scheduler.
type Scanner struct {
	chain  chainsource.Client
	keys   *viewingkey.Cache
	store  InvoiceStore
	cursor ScannerCursorStore
	biller Biller
	log    *zap.Logger

	mempoolPollInterval time.Duration
	blockPollInterval   time.Duration

	jobs chan decryptJob
}

func New(chain chainsource.Client, keys *viewingkey.Cache, invStore InvoiceStore, cursorStore ScannerCursorStore, biller Biller, log *zap.Logger, mempoolPollInterval, blockPollInterval time.Duration) *Scanner {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	s := &Scanner{
		chain:               chain,
		keys:                keys,
		store:               invStore,
		cursor:              cursorStore,
		biller:              biller,
		log:                 log,
		mempoolPollInterval: mempoolPollInterval,
		blockPollInterval:   blockPollInterval,
		jobs:                make(chan decryptJob),
	}
	for i := 0; i < workers; i++ {
		go s.decryptWorker()
	}
	return s
}

// decryptWorker is one of the pool's long-lived goroutines, started
// once in New and running for the life of the process.
func (s *Scanner) decryptWorker() {
	for job := range s.jobs {
		total, memo, ok := decryptOneMerchant(job.tx, job.mk)
		job.result <- merchantTotal{merchantID: job.mk.MerchantID, valueZats: total, memo: memo, ok: ok}
	}
}

// Run starts the mempool and block loops and blocks until ctx is
// cancelled. On shutdown the block loop finishes its current block
// before returning, so the cursor is never left pointing past
// incompletely processed work.
func (s *Scanner) Run(ctx context.Context) {
	done := make(chan struct{}, 2)

	go func() {
		s.mempoolLoop(ctx)
		done <- struct{}{}
	}()
	go func() {
		s.blockLoop(ctx)
		done <- struct{}{}
	}()

	<-done
	<-done
}

func (s *Scanner) mempoolLoop(ctx context.Context) {
	ticker := time.NewTicker(s.mempoolPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mempoolTick(ctx)
		}
	}
}

func (s *Scanner) mempoolTick(ctx context.Context) {
	txids, err := s.chain.MempoolTxids(ctx)
	if err != nil {
		s.log.Warn("mempool fetch failed; will retry next tick", zap.Error(err))
		return
	}

	var fresh []string
	for _, txid := range txids {
		seen, err := s.cursor.SeenTx(ctx, txid)
		if err != nil {
			s.log.Warn("seen-tx lookup failed", zap.String("txid", txid), zap.Error(err))
			continue
		}
		if seen == nil {
			fresh = append(fresh, txid)
		}
	}
	if len(fresh) == 0 {
		return
	}

	raw := s.chain.FetchRawTxBatch(ctx, fresh)
	snapshot := s.keys.Snapshot()

	for _, txid := range fresh {
		txBytes, ok := raw[txid]
		if !ok {
			// 404: left the mempool before we could fetch it. Not an
			// error, and not recorded as seen — it may reappear, or
			// show up directly in a block.
			continue
		}
		s.processTx(ctx, txid, txBytes, snapshot, nil)
	}
}

func (s *Scanner) blockLoop(ctx context.Context) {
	ticker := time.NewTicker(s.blockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.blockTick(ctx)
		}
	}
}

func (s *Scanner) blockTick(ctx context.Context) {
	cursor, err := s.cursor.GetScannerCursor(ctx)
	var last uint64
	if err == store.ErrNotFound {
		tip, err := s.chain.CurrentTip(ctx)
		if err != nil {
			s.log.Warn("failed to read chain tip for cold-start cursor", zap.Error(err))
			return
		}
		last = tip
		if err := s.cursor.SetScannerCursor(ctx, last); err != nil {
			s.log.Warn("failed to persist cold-start cursor", zap.Error(err))
			return
		}
	} else if err != nil {
		s.log.Warn("failed to read scanner cursor", zap.Error(err))
		return
	} else {
		last = cursor.LastScannedBlockHeight
	}

	tip, err := s.chain.CurrentTip(ctx)
	if err != nil {
		s.log.Warn("failed to read chain tip", zap.Error(err))
		return
	}

	snapshot := s.keys.Snapshot()
	// A block already started runs to the end even if ctx is cancelled
	// meanwhile; cancellation is only honoured between blocks.
	blockCtx := context.WithoutCancel(ctx)

	for h := last + 1; h <= tip; h++ {
		select {
		case <-ctx.Done():
			return // leave cursor at the last fully processed height
		default:
		}

		if !s.processBlock(blockCtx, h, snapshot) {
			return // stop at the first failure; never skip ahead
		}

		if err := s.cursor.SetScannerCursor(blockCtx, h); err != nil {
			s.log.Error("failed to persist scanner cursor", zap.Uint64("height", h), zap.Error(err))
			return
		}
	}
}

// processBlock handles one block's transactions sequentially and
// returns false if it could not be fully processed (so the caller
// must not advance the cursor past it).
func (s *Scanner) processBlock(ctx context.Context, height uint64, snapshot []viewingkey.MerchantKeys) bool {
	_, txids, err := s.chain.Block(ctx, height)
	if err != nil {
		s.log.Warn("block fetch failed", zap.Uint64("height", height), zap.Error(err))
		return false
	}

	for _, txid := range txids {
		seen, err := s.cursor.SeenTx(ctx, txid)
		if err != nil {
			s.log.Warn("seen-tx lookup failed", zap.String("txid", txid), zap.Error(err))
			return false
		}

		if seen != nil && seen.Disposition == store.DispositionMatched && seen.InvoiceID != nil {
			// Already matched via the mempool loop (or an earlier
			// block pass): no need to re-decrypt, just confirm.
			if err := s.store.MarkConfirmed(ctx, *seen.InvoiceID, height, time.Now()); err != nil && err != store.ErrUnexpectedStatus {
				s.log.Error("mark confirmed failed", zap.String("txid", txid), zap.Error(err))
				return false
			}
			continue
		}
		if seen != nil {
			continue // already processed_no_match; nothing new to find
		}

		raw, err := s.chain.RawTx(ctx, txid)
		if err != nil {
			if err == chainsource.ErrNotFound {
				continue // impossible for a mined tx, but never fatal
			}
			s.log.Warn("raw tx fetch failed in block loop", zap.String("txid", txid), zap.Error(err))
			return false
		}

		s.processTx(ctx, txid, raw, snapshot, &height)
	}

	return true
}

// processTx parses one transaction, runs the decryption matrix across
// every merchant's prepared keys, and drives any match through the
// store. blockHeight is non-nil when called from the block loop,
// meaning a match should be marked confirmed in the same pass rather
// than merely detected — the ordering guarantee that detected is
// always observed before confirmed is upheld because MarkDetected and
// MarkConfirmed are separate conditional transitions even when called
// back to back here.
func (s *Scanner) processTx(ctx context.Context, txid string, raw []byte, snapshot []viewingkey.MerchantKeys, blockHeight *uint64) {
	now := time.Now()

	tx, err := txparser.Parse(raw)
	if err != nil {
		s.log.Info("malformed or unknown-version tx skipped", zap.String("txid", txid), zap.Error(err))
		_ = s.cursor.RecordSeenTx(ctx, txid, store.DispositionNoMatch, nil, now)
		return
	}

	matched := s.decryptAndMatch(ctx, tx, snapshot)

	if matched == nil {
		_ = s.cursor.RecordSeenTx(ctx, txid, store.DispositionNoMatch, nil, now)
		return
	}

	newStatus := store.InvoiceStatusDetected
	if matched.outcome == matcher.OutcomeUnderpaid {
		newStatus = store.InvoiceStatusUnderpaid
	}

	if err := s.store.MarkDetected(ctx, matched.invoiceID, txid, matched.valueZats, now, newStatus); err != nil && err != store.ErrUnexpectedStatus {
		s.log.Error("mark detected failed", zap.String("txid", txid), zap.Error(err))
		return
	}

	_ = s.cursor.RecordSeenTx(ctx, txid, store.DispositionMatched, &matched.invoiceID, now)

	if blockHeight != nil && newStatus == store.InvoiceStatusDetected {
		if err := s.store.MarkConfirmed(ctx, matched.invoiceID, *blockHeight, now); err != nil && err != store.ErrUnexpectedStatus {
			s.log.Error("mark confirmed failed", zap.String("txid", txid), zap.Error(err))
		}
	}
}

type txMatch struct {
	invoiceID uuid.UUID
	valueZats int64
	outcome   matcher.Outcome
}

// decryptAndMatch runs the N merchants x M outputs decryption matrix
// for one transaction, handing each merchant's share of the work to
// the scanner's process-wide worker pool so CPU-bound AEAD opens
// never run on the loop's own goroutine. Every output is tried against
// every merchant (there is no early exit once an output decrypts), and
// values are summed across outputs that decrypt for the same merchant
// before calling the matcher, per
// spec.md §4.5's multi-output accumulation rule. A result keyed by
// billing.PlatformMerchantID is diverted to the biller's fee ledger
// instead of the invoice matcher.
func (s *Scanner) decryptAndMatch(ctx context.Context, tx *txparser.ParsedTx, snapshot []viewingkey.MerchantKeys) *txMatch {
	if len(snapshot) == 0 || (len(tx.Orchard) == 0 && len(tx.Sapling) == 0) {
		return nil
	}

	result := make(chan merchantTotal, len(snapshot))
	for _, mk := range snapshot {
		s.jobs <- decryptJob{tx: tx, mk: mk, result: result}
	}

	var found *txMatch
	for i := 0; i < len(snapshot); i++ {
		r := <-result
		if !r.ok {
			continue
		}

		if r.merchantID == billing.PlatformMerchantID {
			if s.biller == nil {
				continue
			}
			if _, err := s.biller.Accrue(ctx, r.memo, r.valueZats); err != nil {
				s.log.Warn("billing accrue failed", zap.Error(err))
			}
			continue
		}

		if found != nil {
			continue // already matched an invoice this tx; still drain remaining results
		}

		m, err := matcher.Match(ctx, s.store, r.merchantID, r.memo, r.valueZats)
		if err != nil {
			s.log.Warn("matcher lookup failed", zap.String("merchant_id", r.merchantID.String()), zap.Error(err))
			continue
		}
		if m != nil {
			found = &txMatch{invoiceID: m.InvoiceID, valueZats: r.valueZats, outcome: m.Outcome}
		}
	}
	return found
}

// decryptOneMerchant attempts every action/output in tx against one
// merchant's prepared keys, summing the value of every note that
// successfully decrypts (memo or not) and returning the first non-empty
// memo among them — holding a blocking
// worker for the duration of its AEAD opens, never suspending on I/O.
func decryptOneMerchant(tx *txparser.ParsedTx, mk viewingkey.MerchantKeys) (totalZats int64, memo string, ok bool) {
	for _, a := range tx.Orchard {
		d, err := decrypt.TryOrchard(a, mk.Orchard)
		if err != nil || d == nil {
			continue
		}
		totalZats += d.ValueZats
		if memo == "" {
			memo = d.Memo()
		}
		ok = true
	}

	if mk.Sapling != nil {
		for _, o := range tx.Sapling {
			d, err := decrypt.TrySapling(o, *mk.Sapling)
			if err != nil || d == nil {
				continue
			}
			totalZats += d.ValueZats
			if memo == "" {
				memo = d.Memo()
			}
			ok = true
		}
	}

	return totalZats, memo, ok
}
