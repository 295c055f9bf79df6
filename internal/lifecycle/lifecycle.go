// Package lifecycle runs the two background workers that age invoices
// out independently of the scanner: expiry, which transitions unpaid
// invoices past their deadline, and purge, which erases shipping PII
// past its retention window.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/store"
)

const (
	expiryInterval    = 30 * time.Second
	purgeInterval     = 1 * time.Hour
	expiryBatchLimit  = 500
)

// Store is the subset of store.InvoiceStore the lifecycle workers need.
type Store interface {
	ExpiringInvoices(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	MarkExpired(ctx context.Context, invoiceID uuid.UUID, at time.Time) error
	PurgeShippingFields(ctx context.Context, now time.Time) (int64, error)
}

// Lifecycle hosts the expiry and purge tickers, run independently so a
// slow purge pass never delays the per-invoice expiry sweep.
type Lifecycle struct {
	store Store
	log   *zap.Logger
}

func New(store Store, log *zap.Logger) *Lifecycle {
	return &Lifecycle{store: store, log: log}
}

// Run starts both workers and blocks until ctx is cancelled.
func (l *Lifecycle) Run(ctx context.Context) {
	done := make(chan struct{}, 2)

	go func() {
		l.expiryLoop(ctx)
		done <- struct{}{}
	}()
	go func() {
		l.purgeLoop(ctx)
		done <- struct{}{}
	}()

	<-done
	<-done
}

func (l *Lifecycle) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.expiryTick(ctx)
		}
	}
}

func (l *Lifecycle) expiryTick(ctx context.Context) {
	now := time.Now()
	ids, err := l.store.ExpiringInvoices(ctx, now, expiryBatchLimit)
	if err != nil {
		l.log.Warn("expiring invoices fetch failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if err := l.store.MarkExpired(ctx, id, now); err != nil && err != store.ErrUnexpectedStatus {
			l.log.Error("mark expired failed", zap.String("invoice_id", id.String()), zap.Error(err))
		}
	}
}

func (l *Lifecycle) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.purgeTick(ctx)
		}
	}
}

func (l *Lifecycle) purgeTick(ctx context.Context) {
	n, err := l.store.PurgeShippingFields(ctx, time.Now())
	if err != nil {
		l.log.Warn("shipping field purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		l.log.Info("purged shipping fields past retention", zap.Int64("rows", n))
	}
}
