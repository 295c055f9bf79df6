package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/cipherpay/backend/internal/store"
)

type fakeStore struct {
	invoices map[string]*store.Invoice
}

func (f *fakeStore) OpenInvoicesByMemo(ctx context.Context, memoCode string) (*store.Invoice, error) {
	inv, ok := f.invoices[memoCode]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inv, nil
}

func TestExtractMemoCode(t *testing.T) {
	tests := []struct {
		memo string
		want string
	}{
		{"hi CP-AAAA1111 thanks", "CP-AAAA1111"},
		{"cp-bbbb2222 lowercase still matches", "CP-BBBB2222"},
		{"no code here", ""},
		{"trailing garbage CP-CCCC3333xyz picks the first 8", "CP-CCCC3333"},
		{"two codes CP-AAAA1111 and CP-BBBB2222", "CP-AAAA1111"},
	}
	for _, tt := range tests {
		if got := ExtractMemoCode(tt.memo); got != tt.want {
			t.Errorf("ExtractMemoCode(%q) = %q, want %q", tt.memo, got, tt.want)
		}
	}
}

func TestMatch_SlippageBoundary(t *testing.T) {
	merchantID := uuid.New()
	invoiceID := uuid.New()

	// price_zec = 1.000 ZEC = 100,000,000 zats
	newInvoice := func(accumulated int64) *fakeStore {
		return &fakeStore{invoices: map[string]*store.Invoice{
			"CP-AAAA1111": {
				ID:              invoiceID,
				MerchantID:      merchantID,
				MemoCode:        "CP-AAAA1111",
				PriceZEC:        1.0,
				Status:          store.InvoiceStatusPending,
				AccumulatedZats: accumulated,
			},
		}}
	}

	tests := []struct {
		name        string
		paidZats    int64
		wantOutcome Outcome
	}{
		{"0.9950 clears the 0.5% slippage floor", 99_500_000, OutcomeFull},
		{"just under 0.9949 falls below the 0.5% slippage floor", 99_490_000 - 1, OutcomeUnderpaid},
		{"1.0000 full price", 100_000_000, OutcomeFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Match(context.Background(), newInvoice(0), merchantID, "CP-AAAA1111 thanks", tt.paidZats)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if m == nil {
				t.Fatal("Match() = nil, want a match")
			}
			if m.Outcome != tt.wantOutcome {
				t.Errorf("Match() outcome = %v, want %v", m.Outcome, tt.wantOutcome)
			}
		})
	}
}

func TestMatch_ZeroOrMissingValueNeverTransitions(t *testing.T) {
	merchantID := uuid.New()
	fs := &fakeStore{invoices: map[string]*store.Invoice{
		"CP-AAAA1111": {
			MerchantID: merchantID,
			MemoCode:   "CP-AAAA1111",
			PriceZEC:   1.0,
			Status:     store.InvoiceStatusPending,
		},
	}}

	m, err := Match(context.Background(), fs, merchantID, "CP-AAAA1111", 0)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if m != nil {
		t.Errorf("Match() = %+v, want nil for a zero-value payment", m)
	}
}

func TestMatch_AccumulatesPriorPartialPayment(t *testing.T) {
	merchantID := uuid.New()
	fs := &fakeStore{invoices: map[string]*store.Invoice{
		"CP-AAAA1111": {
			MerchantID:      merchantID,
			MemoCode:        "CP-AAAA1111",
			PriceZEC:        1.0,
			Status:          store.InvoiceStatusUnderpaid,
			AccumulatedZats: 98_000_000, // 0.98 ZEC paid so far
		},
	}}

	// A 0.03 ZEC top-up brings the total to 1.01, clearing the threshold.
	m, err := Match(context.Background(), fs, merchantID, "CP-AAAA1111", 3_000_000)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if m == nil || m.Outcome != OutcomeFull {
		t.Fatalf("Match() = %+v, want a full match after the top-up", m)
	}
	if m.AccumulatedZats != 101_000_000 {
		t.Errorf("AccumulatedZats = %d, want 101000000", m.AccumulatedZats)
	}
}

func TestMatch_WrongMerchantNoMatch(t *testing.T) {
	owner := uuid.New()
	stranger := uuid.New()
	fs := &fakeStore{invoices: map[string]*store.Invoice{
		"CP-AAAA1111": {MerchantID: owner, MemoCode: "CP-AAAA1111", PriceZEC: 1.0, Status: store.InvoiceStatusPending},
	}}

	m, err := Match(context.Background(), fs, stranger, "CP-AAAA1111", 100_000_000)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if m != nil {
		t.Errorf("Match() = %+v, want nil for a memo code owned by a different merchant", m)
	}
}

func TestMatch_ClosedInvoiceNoMatch(t *testing.T) {
	merchantID := uuid.New()
	fs := &fakeStore{invoices: map[string]*store.Invoice{
		"CP-AAAA1111": {MerchantID: merchantID, MemoCode: "CP-AAAA1111", PriceZEC: 1.0, Status: store.InvoiceStatusConfirmed},
	}}

	m, err := Match(context.Background(), fs, merchantID, "CP-AAAA1111", 100_000_000)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if m != nil {
		t.Errorf("Match() = %+v, want nil for an invoice that is no longer open", m)
	}
}

func TestMatch_NoMemoCodeInMemo(t *testing.T) {
	m, err := Match(context.Background(), &fakeStore{invoices: map[string]*store.Invoice{}}, uuid.New(), "just a nice note, no code", 100)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if m != nil {
		t.Errorf("Match() = %+v, want nil", m)
	}
}

func TestMatch_StoreErrorPropagates(t *testing.T) {
	errStore := erroringStore{}
	_, err := Match(context.Background(), errStore, uuid.New(), "CP-AAAA1111", 100)
	if err == nil {
		t.Fatal("Match() error = nil, want the underlying store error")
	}
}

type erroringStore struct{}

func (erroringStore) OpenInvoicesByMemo(ctx context.Context, memoCode string) (*store.Invoice, error) {
	return nil, errors.New("boom")
}
