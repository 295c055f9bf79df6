// Package matcher implements the memo-code extraction and slippage
// check that turns a decrypted note into an invoice state transition.
package matcher

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/cipherpay/backend/internal/store"
)

// slippageTolerance is the permitted shortfall between the expected
// and paid ZEC (0.5%), absorbing exchange-rate and wallet-UX drift
// between invoice creation and payment.
const slippageTolerance = 0.005

var memoCodePattern = regexp.MustCompile(`(?i)CP-[A-Z0-9]{8}`)

// Outcome classifies a successful match.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeFull
	OutcomeUnderpaid
)

// MatchResult is the result of matching one decrypted value against its
// invoice's locked price, after accounting for any amount already
// accumulated toward that invoice from prior partial payments in the
// same or an earlier transaction.
type MatchResult struct {
	InvoiceID       uuid.UUID
	Outcome         Outcome
	AccumulatedZats int64 // total paid so far, including this payment
}

// ExtractMemoCode returns the first CP-XXXXXXXX token in memo,
// uppercased, or "" if none is present.
func ExtractMemoCode(memo string) string {
	found := memoCodePattern.FindString(memo)
	return strings.ToUpper(found)
}

// Store is the subset of InvoiceStore the matcher needs to resolve a
// memo code to a candidate invoice.
type Store interface {
	OpenInvoicesByMemo(ctx context.Context, memoCode string) (*store.Invoice, error)
}

// Match looks up the invoice named by memo's embedded code, checks it
// belongs to merchantID and is still open, and classifies the payment
// against the slippage-adjusted price. The invoice's own
// AccumulatedZats (already on file from prior partial payments) is
// added to noteValueZats before the threshold check, so multiple
// outputs decrypting to the same invoice across transactions (or a
// mempool-then-block re-scan) sum correctly rather than each being
// judged against the full price in isolation.
func Match(ctx context.Context, s Store, merchantID uuid.UUID, memo string, noteValueZats int64) (*MatchResult, error) {
	code := ExtractMemoCode(memo)
	if code == "" {
		return nil, nil
	}

	inv, err := s.OpenInvoicesByMemo(ctx, code)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if inv == nil || inv.MerchantID != merchantID {
		return nil, nil
	}
	if inv.Status != store.InvoiceStatusPending && inv.Status != store.InvoiceStatusUnderpaid {
		return nil, nil
	}
	if noteValueZats <= 0 {
		return nil, nil
	}

	total := inv.AccumulatedZats + noteValueZats
	threshold := priceThresholdZats(inv.PriceZEC)

	outcome := OutcomeUnderpaid
	if total >= threshold {
		outcome = OutcomeFull
	}

	return &MatchResult{InvoiceID: inv.ID, Outcome: outcome, AccumulatedZats: total}, nil
}

// priceThresholdZats is the slippage-adjusted minimum zatoshi total
// that counts as a full payment: price_zec * (1 - 0.5%).
func priceThresholdZats(priceZEC float64) int64 {
	return int64((priceZEC * (1 - slippageTolerance)) * 1e8)
}
