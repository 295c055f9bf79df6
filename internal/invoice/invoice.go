// Package invoice implements invoice creation and read access: locking
// a ZEC price against the current rate, minting a unique memo code,
// and exposing the lookups the merchant-facing API needs.
package invoice

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/cipherpay/backend/internal/rateoracle"
	"github.com/cipherpay/backend/internal/store"
)

// memoCodeAlphabet excludes visually ambiguous characters (0/O, 1/I)
// since memo codes are sometimes transcribed by hand from a wallet app.
const memoCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const memoCodeLen = 8

// maxMemoCodeAttempts bounds the rejection-sampling loop against the
// uniqueness constraint; with a 32^8 keyspace, collision is never
// expected in practice, but an unbounded retry loop is never safe.
const maxMemoCodeAttempts = 20

var ErrMemoCodeExhausted = errors.New("invoice: could not mint a unique memo code")

type Store interface {
	Create(ctx context.Context, inv *store.Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*store.Invoice, error)
	GetByMemoCode(ctx context.Context, memoCode string) (*store.Invoice, error)
	ListByMerchant(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]store.Invoice, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	MarkShipped(ctx context.Context, id uuid.UUID) error
	MarkRefunded(ctx context.Context, id uuid.UUID) error
}

type Service struct {
	store   Store
	rates   *rateoracle.Oracle
	expiry  time.Duration
	purgeAt time.Duration
}

func New(store Store, rates *rateoracle.Oracle, expiryMinutes, purgeDays int) *Service {
	return &Service{
		store:   store,
		rates:   rates,
		expiry:  time.Duration(expiryMinutes) * time.Minute,
		purgeAt: time.Duration(purgeDays) * 24 * time.Hour,
	}
}

// CreateParams is the merchant-supplied subset of a new invoice.
type CreateParams struct {
	MerchantID      uuid.UUID
	PriceEUR        float64
	Currency        string // "EUR" or "USD"; the other is tracked but not priced against
	Description     *string
	Metadata        map[string]any
	ShippingAlias   *string
	ShippingAddress *string
	ShippingRegion  *string
}

// Create locks the current ZEC rate, computes the ZEC price, mints a
// unique memo code, and persists the invoice pending detection.
func (s *Service) Create(ctx context.Context, p CreateParams) (*store.Invoice, error) {
	rates := s.rates.CurrentRates(ctx)

	rate := rates.ZECEUR
	priceBase := p.PriceEUR
	currency := p.Currency
	if currency == "" {
		currency = "EUR"
	}
	if currency == "USD" {
		rate = rates.ZECUSD
	}
	if rate <= 0 {
		return nil, fmt.Errorf("invoice: no usable exchange rate for currency %q", currency)
	}

	memoCode, err := s.mintMemoCode(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var purgeAfter *time.Time
	if p.ShippingAlias != nil || p.ShippingAddress != nil || p.ShippingRegion != nil {
		t := now.Add(s.purgeAt)
		purgeAfter = &t
	}

	inv := &store.Invoice{
		MerchantID:        p.MerchantID,
		MemoCode:          memoCode,
		PriceEUR:          p.PriceEUR,
		PriceZEC:          priceBase / rate,
		ZECRateAtCreation: rate,
		Currency:          currency,
		Description:       p.Description,
		Metadata:          p.Metadata,
		ShippingAlias:     p.ShippingAlias,
		ShippingAddress:   p.ShippingAddress,
		ShippingRegion:    p.ShippingRegion,
		Status:            store.InvoiceStatusPending,
		ExpiresAt:         now.Add(s.expiry),
		PurgeAfter:        purgeAfter,
	}

	if err := s.store.Create(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*store.Invoice, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) ListByMerchant(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]store.Invoice, error) {
	return s.store.ListByMerchant(ctx, merchantID, limit, offset)
}

func (s *Service) GetByMemoCode(ctx context.Context, memoCode string) (*store.Invoice, error) {
	return s.store.GetByMemoCode(ctx, memoCode)
}

// Cancel is only valid from pending/underpaid, enforced by the store's
// conditional update against store.ValidInvoiceTransitions.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.store.Cancel(ctx, id)
}

// Ship marks a confirmed invoice shipped, a merchant action once the
// order has been fulfilled outside the payment flow entirely.
func (s *Service) Ship(ctx context.Context, id uuid.UUID) error {
	return s.store.MarkShipped(ctx, id)
}

// Refund marks a confirmed invoice refunded. The core never reverses
// the shielded payment itself (it holds no spending key); this only
// records that the merchant settled the refund out of band.
func (s *Service) Refund(ctx context.Context, id uuid.UUID) error {
	return s.store.MarkRefunded(ctx, id)
}

func (s *Service) mintMemoCode(ctx context.Context) (string, error) {
	for i := 0; i < maxMemoCodeAttempts; i++ {
		code, err := randomMemoCode()
		if err != nil {
			return "", err
		}
		_, err = s.store.GetByMemoCode(ctx, code)
		if err == store.ErrNotFound {
			return code, nil
		}
		if err != nil {
			return "", err
		}
		// collision: code already in use, resample
	}
	return "", ErrMemoCodeExhausted
}

func randomMemoCode() (string, error) {
	b := make([]byte, memoCodeLen)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(memoCodeAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = memoCodeAlphabet[n.Int64()]
	}
	return "CP-" + string(b), nil
}
