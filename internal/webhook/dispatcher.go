// Package webhook delivers invoice lifecycle notifications to merchant
// endpoints: HMAC-signed POSTs with exponential-backoff retry, run from
// its own process so a slow or hostile merchant endpoint never backs up
// payment detection.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/keyvault"
	"github.com/cipherpay/backend/internal/store"
)

// Store is the subset of store.WebhookStore the dispatcher drives.
type Store interface {
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]store.WebhookDelivery, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, at, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// MerchantSecrets resolves the signing secret for the merchant that owns
// a delivery's invoice. Looked up per-delivery rather than joined into
// DueDeliveries so the dispatcher never holds a decrypted secret longer
// than one send.
type MerchantSecrets interface {
	WebhookSecretForInvoice(ctx context.Context, invoiceID uuid.UUID) (string, error)
}

// retrySchedule is the backoff ladder from spec.md §4.9, indexed by the
// 0-based number of the attempt that just failed (the row's attempts
// count before the failed send increments it).
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	25 * time.Minute,
	2 * time.Hour,
	10 * time.Hour,
}

const deliveryBatchLimit = 200

// Dispatcher polls for due webhook_deliveries rows and attempts delivery,
// ticking independently of the scanner so a failing merchant endpoint
// never delays payment detection.
type Dispatcher struct {
	store      Store
	secrets    MerchantSecrets
	vault      *keyvault.Vault
	http       *http.Client
	log        *zap.Logger
	maxAttempts int
	pollInterval time.Duration
}

func New(store Store, secrets MerchantSecrets, vault *keyvault.Vault, maxAttempts int, pollInterval time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		secrets:      secrets,
		vault:        vault,
		http:         &http.Client{Timeout: 10 * time.Second},
		log:          log,
		maxAttempts:  maxAttempts,
		pollInterval: pollInterval,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	now := time.Now()
	due, err := d.store.DueDeliveries(ctx, now, deliveryBatchLimit)
	if err != nil {
		d.log.Warn("due deliveries fetch failed", zap.Error(err))
		return
	}

	for _, delivery := range due {
		d.attempt(ctx, delivery, now)
	}
}

// attempt sends one delivery and transitions its row according to the
// outcome: a 2xx response marks it delivered, a failure below
// maxAttempts schedules the next retry per retrySchedule, and a failure
// at maxAttempts marks it permanently failed.
func (d *Dispatcher) attempt(ctx context.Context, delivery store.WebhookDelivery, now time.Time) {
	secretCiphertext, err := d.secrets.WebhookSecretForInvoice(ctx, delivery.InvoiceID)
	if err != nil {
		d.log.Warn("webhook secret lookup failed", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		return
	}
	secret, err := d.vault.DecryptWebhookSecret(secretCiphertext)
	if err != nil {
		d.log.Warn("webhook secret decryption failed", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		d.log.Error("webhook request build failed", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CipherPay-Timestamp", now.UTC().Format(time.RFC3339))
	req.Header.Set("X-CipherPay-Signature", sign(secret, delivery.Payload, now))

	resp, err := d.http.Do(req)
	if err != nil {
		d.fail(ctx, delivery, now, err.Error())
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := d.store.MarkDelivered(ctx, delivery.ID, now); err != nil {
			d.log.Error("mark delivered failed", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		}
		return
	}

	d.fail(ctx, delivery, now, fmt.Sprintf("status %d", resp.StatusCode))
}

func (d *Dispatcher) fail(ctx context.Context, delivery store.WebhookDelivery, now time.Time, reason string) {
	attempt := delivery.Attempts // 0-based index of the attempt that just failed
	if attempt >= d.maxAttempts-1 || attempt >= len(retrySchedule) {
		d.log.Warn("webhook delivery giving up", zap.String("delivery_id", delivery.ID.String()), zap.Int("attempts", delivery.Attempts+1), zap.String("reason", reason))
		if err := d.store.MarkFailed(ctx, delivery.ID, now); err != nil {
			d.log.Error("mark failed failed", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		}
		return
	}

	backoff := retrySchedule[attempt]
	next := now.Add(backoff)
	d.log.Info("webhook delivery failed, scheduling retry",
		zap.String("delivery_id", delivery.ID.String()),
		zap.Int("attempts", delivery.Attempts+1),
		zap.Duration("backoff", backoff),
		zap.String("reason", reason))
	if err := d.store.ScheduleRetry(ctx, delivery.ID, now, next); err != nil {
		d.log.Error("schedule retry failed", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
	}
}

// sign produces the hex-encoded HMAC-SHA256 over "{timestamp}.{body}",
// per spec.md §4.9, so a merchant verifying the signature must bind it
// to the exact timestamp carried in X-CipherPay-Timestamp rather than
// just the body.
func sign(secret string, payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(at.UTC().Format(time.RFC3339)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
