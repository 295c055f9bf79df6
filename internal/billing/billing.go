// Package billing implements the platform's own fee settlement ledger.
// The scanner's decryption matrix treats the platform as just another
// payee: its fee address is installed into the same ViewingKeyCache as
// every merchant's UFVK, under a fixed well-known merchant ID, so a
// fee payment is detected by the identical trial-decryption pass and
// only diverted to this package instead of internal/matcher once a
// FEE-XXXXXXXX memo code resolves it to an open billing cycle.
//
// Grounded on original_source/src/billing/mod.rs's check_settlement_payments:
// a merchant starts on a short "new" cycle, graduates to a standard
// monthly cycle after its first settlement, and every due cycle is
// closed by a ticker independent of the scan loop.
package billing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/store"
	"github.com/cipherpay/backend/internal/viewingkey"
)

// PlatformMerchantID is the fixed, well-known cache key the platform's
// own fee address is installed under, so the existing N-merchant
// decryption matrix also watches for payments to the platform without
// a separate scan pass.
var PlatformMerchantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

const cycleCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
const cycleCodeLen = 8
const maxCycleCodeAttempts = 20

var cycleCodePattern = regexp.MustCompile(`(?i)FEE-[A-Z0-9]{8}`)

var ErrCycleCodeExhausted = errors.New("billing: could not mint a unique cycle code")

// ExtractCycleCode returns the first FEE-XXXXXXXX token in memo,
// uppercased, or "" if none is present — the fee-ledger counterpart of
// matcher.ExtractMemoCode.
func ExtractCycleCode(memo string) string {
	found := cycleCodePattern.FindString(memo)
	return strings.ToUpper(found)
}

// Store is the subset of store.BillingStore the service needs.
type Store interface {
	CreateCycle(ctx context.Context, c *store.BillingCycle) error
	OpenCycleByMerchant(ctx context.Context, merchantID uuid.UUID) (*store.BillingCycle, error)
	OpenCycleByCode(ctx context.Context, code string) (*store.BillingCycle, error)
	AccrueFee(ctx context.Context, cycleID uuid.UUID, zats int64) error
	DueCycles(ctx context.Context, now time.Time, limit int) ([]store.BillingCycle, error)
	SettleCycle(ctx context.Context, id uuid.UUID, at time.Time) error
	ListOpen(ctx context.Context) ([]store.BillingCycle, error)
}

const settleInterval = 5 * time.Minute
const dueBatchLimit = 200

// Service owns the billing cycle lifecycle: opening a merchant's first
// cycle at registration, accruing fee payments the scanner detects,
// and settling cycles once their period ends.
type Service struct {
	store Store
	keys  *viewingkey.Cache
	log   *zap.Logger

	feeAddress   string
	feeUFVK      string
	daysNew      int
	daysStandard int
}

func New(s Store, keys *viewingkey.Cache, log *zap.Logger, feeAddress, feeUFVK string, daysNew, daysStandard int) *Service {
	return &Service{
		store:        s,
		keys:         keys,
		log:          log,
		feeAddress:   feeAddress,
		feeUFVK:      feeUFVK,
		daysNew:      daysNew,
		daysStandard: daysStandard,
	}
}

// Enabled reports whether the platform fee address is configured at
// all; callers skip cycle creation and cache installation entirely
// when it is not.
func (s *Service) Enabled() bool {
	return s.feeAddress != "" && s.feeUFVK != ""
}

// Bootstrap installs the platform's own fee UFVK into the shared
// ViewingKeyCache under PlatformMerchantID, the same call a merchant
// registration makes for its own key. A no-op if fee collection is not
// configured.
func (s *Service) Bootstrap() error {
	if !s.Enabled() {
		return nil
	}
	if err := s.keys.Install(PlatformMerchantID, s.feeAddress, s.feeUFVK); err != nil {
		return fmt.Errorf("billing: install platform fee key: %w", err)
	}
	return nil
}

// EnsureOpenCycle opens a merchant's first billing cycle, a short
// "new" cycle, at registration. A no-op if fee collection is not
// configured or the merchant already has an open cycle.
func (s *Service) EnsureOpenCycle(ctx context.Context, merchantID uuid.UUID) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.store.OpenCycleByMerchant(ctx, merchantID)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}
	return s.openCycle(ctx, merchantID, store.BillingCycleNew)
}

func (s *Service) openCycle(ctx context.Context, merchantID uuid.UUID, kind string) error {
	code, err := s.mintCycleCode(ctx)
	if err != nil {
		return err
	}

	days := s.daysStandard
	if kind == store.BillingCycleNew {
		days = s.daysNew
	}

	now := time.Now()
	c := &store.BillingCycle{
		MerchantID:  merchantID,
		CycleCode:   code,
		CycleKind:   kind,
		PeriodStart: now,
		PeriodEnd:   now.Add(time.Duration(days) * 24 * time.Hour),
	}
	return s.store.CreateCycle(ctx, c)
}

// Accrue resolves memo's embedded FEE-XXXXXXXX code to its open cycle
// and adds valueZats to its running total. Returns (false, nil) when
// the memo carries no recognizable cycle code or the code names no
// open cycle — the caller then treats the payment as unmatched rather
// than an error, mirroring matcher.Match's nil-result convention.
func (s *Service) Accrue(ctx context.Context, memo string, valueZats int64) (bool, error) {
	code := ExtractCycleCode(memo)
	if code == "" || valueZats <= 0 {
		return false, nil
	}

	cycle, err := s.store.OpenCycleByCode(ctx, code)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	if err := s.store.AccrueFee(ctx, cycle.ID, valueZats); err != nil {
		return false, err
	}
	return true, nil
}

// ListOpenCycles returns every merchant's currently open cycle, for
// the admin billing overview.
func (s *Service) ListOpenCycles(ctx context.Context) ([]store.BillingCycle, error) {
	return s.store.ListOpen(ctx)
}

// Run settles due cycles on a fixed interval until ctx is cancelled,
// the billing counterpart of internal/lifecycle's ticker loops.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(settleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.settleTick(ctx)
		}
	}
}

func (s *Service) settleTick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueCycles(ctx, now, dueBatchLimit)
	if err != nil {
		s.log.Warn("due billing cycles fetch failed", zap.Error(err))
		return
	}

	for _, c := range due {
		if err := s.store.SettleCycle(ctx, c.ID, now); err != nil {
			if err != store.ErrUnexpectedStatus {
				s.log.Error("settle billing cycle failed", zap.String("cycle_id", c.ID.String()), zap.Error(err))
			}
			continue
		}
		s.log.Info("settled billing cycle",
			zap.String("cycle_id", c.ID.String()),
			zap.String("merchant_id", c.MerchantID.String()),
			zap.Int64("fee_zats_accrued", c.FeeZatsAccrued))

		// A new merchant graduates to the standard cadence after its
		// first cycle; a standard cycle simply rolls into the next one.
		next := store.BillingCycleStandard
		if err := s.openCycle(ctx, c.MerchantID, next); err != nil {
			s.log.Error("open next billing cycle failed", zap.String("merchant_id", c.MerchantID.String()), zap.Error(err))
		}
	}
}

func (s *Service) mintCycleCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCycleCodeAttempts; i++ {
		code, err := randomCycleCode()
		if err != nil {
			return "", err
		}
		_, err = s.store.OpenCycleByCode(ctx, code)
		if err == store.ErrNotFound {
			return code, nil
		}
		if err != nil {
			return "", err
		}
		// collision: code already in use, resample
	}
	return "", ErrCycleCodeExhausted
}

func randomCycleCode() (string, error) {
	b := make([]byte, cycleCodeLen)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(cycleCodeAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = cycleCodeAlphabet[n.Int64()]
	}
	return "FEE-" + string(b), nil
}
