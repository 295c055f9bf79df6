package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/keyvault"
	"github.com/cipherpay/backend/internal/store"
)

func mustTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zap.NewNop()
}

// fakeStore is an in-memory stand-in for store.WebhookStore, scoped to a
// single delivery row so the retry schedule can be observed directly.
type fakeStore struct {
	delivery store.WebhookDelivery
	retries  []time.Duration // next_retry_at - last_attempt_at, observed per ScheduleRetry call
}

func (f *fakeStore) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]store.WebhookDelivery, error) {
	if f.delivery.Status != store.WebhookStatusPending {
		return nil, nil
	}
	return []store.WebhookDelivery{f.delivery}, nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.delivery.Status = store.WebhookStatusDelivered
	f.delivery.Attempts++
	f.delivery.LastAttemptAt = &at
	return nil
}

func (f *fakeStore) ScheduleRetry(ctx context.Context, id uuid.UUID, at, nextRetryAt time.Time) error {
	f.delivery.Attempts++
	f.delivery.LastAttemptAt = &at
	f.delivery.NextRetryAt = &nextRetryAt
	f.retries = append(f.retries, nextRetryAt.Sub(at))
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.delivery.Status = store.WebhookStatusFailed
	f.delivery.Attempts++
	f.delivery.LastAttemptAt = &at
	return nil
}

type fakeSecrets struct{}

func (fakeSecrets) WebhookSecretForInvoice(ctx context.Context, invoiceID uuid.UUID) (string, error) {
	return "whsec_testsecret", nil
}

func TestDispatcher_RetrySchedule(t *testing.T) {
	var callCount int
	statuses := []int{500, 500, 500, 200}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statuses[callCount])
		callCount++
	}))
	defer server.Close()

	invoiceID := uuid.New()
	fs := &fakeStore{delivery: store.WebhookDelivery{
		ID:        uuid.New(),
		InvoiceID: invoiceID,
		URL:       server.URL,
		Payload:   []byte(`{"event":"invoice.detected"}`),
		Status:    store.WebhookStatusPending,
	}}

	vault, err := keyvault.New("")
	if err != nil {
		t.Fatalf("keyvault.New() error = %v", err)
	}

	d := New(fs, fakeSecrets{}, vault, 5, time.Second, mustTestLogger(t))

	for i := 0; i < 4; i++ {
		d.tick(context.Background())
	}

	if fs.delivery.Status != store.WebhookStatusDelivered {
		t.Fatalf("final status = %q, want delivered", fs.delivery.Status)
	}
	if fs.delivery.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", fs.delivery.Attempts)
	}

	wantSchedule := []time.Duration{1 * time.Minute, 5 * time.Minute, 25 * time.Minute}
	if len(fs.retries) != len(wantSchedule) {
		t.Fatalf("recorded %d retries, want %d", len(fs.retries), len(wantSchedule))
	}
	for i, want := range wantSchedule {
		if fs.retries[i] != want {
			t.Errorf("retry %d backoff = %v, want %v", i+1, fs.retries[i], want)
		}
	}
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	fs := &fakeStore{delivery: store.WebhookDelivery{
		ID:        uuid.New(),
		InvoiceID: uuid.New(),
		URL:       server.URL,
		Payload:   []byte(`{}`),
		Status:    store.WebhookStatusPending,
	}}

	vault, _ := keyvault.New("")
	d := New(fs, fakeSecrets{}, vault, 5, time.Second, mustTestLogger(t))

	for i := 0; i < 5; i++ {
		d.tick(context.Background())
	}

	if fs.delivery.Status != store.WebhookStatusFailed {
		t.Fatalf("status = %q, want failed after exhausting retries", fs.delivery.Status)
	}
	if fs.delivery.Attempts != 5 {
		t.Fatalf("attempts = %d, want 5", fs.delivery.Attempts)
	}
	if fs.delivery.Attempts > 5 {
		t.Errorf("attempts %d exceeds webhook_max_attempts", fs.delivery.Attempts)
	}
}

func TestDispatcher_SignatureBindsTimestampAndBody(t *testing.T) {
	var gotSig, gotTs string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-CipherPay-Signature")
		gotTs = r.Header.Get("X-CipherPay-Timestamp")
		w.WriteHeader(200)
	}))
	defer server.Close()

	fs := &fakeStore{delivery: store.WebhookDelivery{
		ID:        uuid.New(),
		InvoiceID: uuid.New(),
		URL:       server.URL,
		Payload:   []byte(`{"event":"invoice.detected"}`),
		Status:    store.WebhookStatusPending,
	}}

	vault, _ := keyvault.New("")
	d := New(fs, fakeSecrets{}, vault, 5, time.Second, mustTestLogger(t))
	d.tick(context.Background())

	if gotSig == "" || gotTs == "" {
		t.Fatal("signature or timestamp header missing")
	}
	wantSig := sign("whsec_testsecret", fs.delivery.Payload, mustParseRFC3339(t, gotTs))
	if gotSig != wantSig {
		t.Errorf("signature = %q, want %q (HMAC over timestamp.body)", gotSig, wantSig)
	}
}

func mustParseRFC3339(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("time.Parse(%q) error = %v", s, err)
	}
	return ts
}
