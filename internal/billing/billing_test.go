package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/store"
)

type fakeStore struct {
	byCode     map[string]*store.BillingCycle
	byMerchant map[uuid.UUID]*store.BillingCycle
	created    []*store.BillingCycle
	accrued    map[uuid.UUID]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byCode:     map[string]*store.BillingCycle{},
		byMerchant: map[uuid.UUID]*store.BillingCycle{},
		accrued:    map[uuid.UUID]int64{},
	}
}

func (f *fakeStore) CreateCycle(ctx context.Context, c *store.BillingCycle) error {
	c.ID = uuid.New()
	f.byCode[c.CycleCode] = c
	f.byMerchant[c.MerchantID] = c
	f.created = append(f.created, c)
	return nil
}

func (f *fakeStore) OpenCycleByMerchant(ctx context.Context, merchantID uuid.UUID) (*store.BillingCycle, error) {
	c, ok := f.byMerchant[merchantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) OpenCycleByCode(ctx context.Context, code string) (*store.BillingCycle, error) {
	c, ok := f.byCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) AccrueFee(ctx context.Context, cycleID uuid.UUID, zats int64) error {
	f.accrued[cycleID] += zats
	for _, c := range f.byCode {
		if c.ID == cycleID {
			c.FeeZatsAccrued += zats
		}
	}
	return nil
}

func (f *fakeStore) DueCycles(ctx context.Context, now time.Time, limit int) ([]store.BillingCycle, error) {
	return nil, nil
}

func (f *fakeStore) SettleCycle(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

func (f *fakeStore) ListOpen(ctx context.Context) ([]store.BillingCycle, error) {
	return nil, nil
}

func newTestService(s Store) *Service {
	return New(s, nil, zap.NewNop(), "u1fee...", "uview1feekey0000000000000000000000000000000000000000000000", 7, 30)
}

func TestExtractCycleCode(t *testing.T) {
	tests := []struct {
		memo string
		want string
	}{
		{"platform fee FEE-AAAA1111", "FEE-AAAA1111"},
		{"fee-bbbb2222 lowercase still matches", "FEE-BBBB2222"},
		{"no code here", ""},
	}
	for _, tt := range tests {
		if got := ExtractCycleCode(tt.memo); got != tt.want {
			t.Errorf("ExtractCycleCode(%q) = %q, want %q", tt.memo, got, tt.want)
		}
	}
}

func TestEnsureOpenCycle_CreatesNewCycleOnce(t *testing.T) {
	fs := newFakeStore()
	s := newTestService(fs)
	merchantID := uuid.New()

	if err := s.EnsureOpenCycle(context.Background(), merchantID); err != nil {
		t.Fatalf("EnsureOpenCycle() error = %v", err)
	}
	if len(fs.created) != 1 {
		t.Fatalf("created = %d cycles, want 1", len(fs.created))
	}
	if fs.created[0].CycleKind != store.BillingCycleNew {
		t.Errorf("CycleKind = %q, want %q", fs.created[0].CycleKind, store.BillingCycleNew)
	}

	// A second call must not open a duplicate cycle.
	if err := s.EnsureOpenCycle(context.Background(), merchantID); err != nil {
		t.Fatalf("EnsureOpenCycle() second call error = %v", err)
	}
	if len(fs.created) != 1 {
		t.Errorf("created = %d cycles after second call, want still 1", len(fs.created))
	}
}

func TestAccrue_MatchesOpenCycleByMemoCode(t *testing.T) {
	fs := newFakeStore()
	s := newTestService(fs)
	merchantID := uuid.New()

	if err := s.EnsureOpenCycle(context.Background(), merchantID); err != nil {
		t.Fatalf("EnsureOpenCycle() error = %v", err)
	}
	code := fs.created[0].CycleCode

	matched, err := s.Accrue(context.Background(), "payment memo "+code, 50_000)
	if err != nil {
		t.Fatalf("Accrue() error = %v", err)
	}
	if !matched {
		t.Fatal("Accrue() matched = false, want true")
	}
	if fs.byCode[code].FeeZatsAccrued != 50_000 {
		t.Errorf("FeeZatsAccrued = %d, want 50000", fs.byCode[code].FeeZatsAccrued)
	}
}

func TestAccrue_NoCodeOrZeroValueNeverMatches(t *testing.T) {
	fs := newFakeStore()
	s := newTestService(fs)

	matched, err := s.Accrue(context.Background(), "no code here", 50_000)
	if err != nil || matched {
		t.Fatalf("Accrue() = %v, %v, want false, nil", matched, err)
	}

	matched, err = s.Accrue(context.Background(), "FEE-AAAA1111", 0)
	if err != nil || matched {
		t.Fatalf("Accrue() = %v, %v, want false, nil for zero value", matched, err)
	}
}

func TestAccrue_UnknownCodeNeverMatches(t *testing.T) {
	fs := newFakeStore()
	s := newTestService(fs)

	matched, err := s.Accrue(context.Background(), "FEE-ZZZZ9999", 50_000)
	if err != nil || matched {
		t.Fatalf("Accrue() = %v, %v, want false, nil for an unrecognized code", matched, err)
	}
}

func TestAccrue_StoreErrorPropagates(t *testing.T) {
	s := newTestService(erroringStore{})
	_, err := s.Accrue(context.Background(), "FEE-AAAA1111", 100)
	if err == nil {
		t.Fatal("Accrue() error = nil, want the underlying store error")
	}
}

type erroringStore struct{}

func (erroringStore) CreateCycle(ctx context.Context, c *store.BillingCycle) error { return nil }
func (erroringStore) OpenCycleByMerchant(ctx context.Context, merchantID uuid.UUID) (*store.BillingCycle, error) {
	return nil, errors.New("boom")
}
func (erroringStore) OpenCycleByCode(ctx context.Context, code string) (*store.BillingCycle, error) {
	return nil, errors.New("boom")
}
func (erroringStore) AccrueFee(ctx context.Context, cycleID uuid.UUID, zats int64) error {
	return errors.New("boom")
}
func (erroringStore) DueCycles(ctx context.Context, now time.Time, limit int) ([]store.BillingCycle, error) {
	return nil, errors.New("boom")
}
func (erroringStore) SettleCycle(ctx context.Context, id uuid.UUID, at time.Time) error {
	return errors.New("boom")
}
func (erroringStore) ListOpen(ctx context.Context) ([]store.BillingCycle, error) {
	return nil, errors.New("boom")
}
