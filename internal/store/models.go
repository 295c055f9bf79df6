package store

import (
	"time"

	"github.com/google/uuid"
)

// Invoice statuses.
const (
	InvoiceStatusPending   = "pending"
	InvoiceStatusDetected  = "detected"
	InvoiceStatusUnderpaid = "underpaid"
	InvoiceStatusConfirmed = "confirmed"
	InvoiceStatusExpired   = "expired"
	InvoiceStatusShipped   = "shipped"
	InvoiceStatusRefunded  = "refunded"
	InvoiceStatusCancelled = "cancelled"
)

// ValidInvoiceTransitions enumerates the allowed from -> []to edges of the
// invoice state machine. No backward transitions except the explicit
// merchant-driven cancelled edge out of pending/underpaid.
var ValidInvoiceTransitions = map[string][]string{
	InvoiceStatusPending:   {InvoiceStatusDetected, InvoiceStatusUnderpaid, InvoiceStatusExpired, InvoiceStatusCancelled},
	InvoiceStatusUnderpaid: {InvoiceStatusDetected, InvoiceStatusExpired, InvoiceStatusCancelled},
	InvoiceStatusDetected:  {InvoiceStatusConfirmed},
	InvoiceStatusConfirmed: {InvoiceStatusShipped, InvoiceStatusRefunded},
	InvoiceStatusExpired:   {},
	InvoiceStatusShipped:   {},
	InvoiceStatusRefunded:  {},
	InvoiceStatusCancelled: {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidInvoiceTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// SeenTx disposition values.
const (
	DispositionNoMatch = "processed_no_match"
	DispositionMatched = "matched_invoice_id"
)

// WebhookDelivery statuses.
const (
	WebhookStatusPending   = "pending"
	WebhookStatusDelivered = "delivered"
	WebhookStatusFailed    = "failed"
)

type Merchant struct {
	ID             uuid.UUID
	Name           string
	Network        string
	UFVKCiphertext string // encrypted-at-rest; see internal/keyvault
	PaymentAddress string
	APIKeyHash     string
	WebhookURL     *string
	WebhookSecret  string
	FeeBPSOverride *int
	DisabledAt     *time.Time
	CreatedAt      time.Time
}

// IsActive reports whether the merchant currently has webhook delivery
// enabled. Deletion is not supported; deactivation clears WebhookURL.
func (m *Merchant) IsActive() bool {
	return m.DisabledAt == nil && m.WebhookURL != nil && *m.WebhookURL != ""
}

type Invoice struct {
	ID                uuid.UUID
	MerchantID        uuid.UUID
	MemoCode          string // CP-XXXXXXXX
	PriceEUR          float64
	PriceZEC          float64
	ZECRateAtCreation float64
	Currency          string
	Description       *string
	Metadata          map[string]any

	ShippingAlias   *string
	ShippingAddress *string
	ShippingRegion  *string

	Status string

	AccumulatedZats int64 // running sum for underpaid top-up accounting

	DetectedTxid  *string
	DetectedAt    *time.Time
	ConfirmedAt   *time.Time
	ExpiresAt     time.Time
	PurgeAfter    *time.Time
	CreatedAt     time.Time
}

type ScannerCursor struct {
	LastScannedBlockHeight uint64
	UpdatedAt              time.Time
}

type SeenTxEntry struct {
	Txid        string
	FirstSeenAt time.Time
	Disposition string
	InvoiceID   *uuid.UUID
}

type WebhookDelivery struct {
	ID            uuid.UUID
	InvoiceID     uuid.UUID
	URL           string
	Payload       []byte
	Status        string
	Attempts      int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	CreatedAt     time.Time
}

type PriceSnapshot struct {
	ID        uuid.UUID
	ZECEUR    float64
	ZECUSD    float64
	FetchedAt time.Time
}

// BillingCycleKind values.
const (
	BillingCycleNew      = "new"
	BillingCycleStandard = "standard"
)

type BillingCycle struct {
	ID             uuid.UUID
	MerchantID     uuid.UUID
	CycleCode      string // FEE-XXXXXXXX, memo token the platform fee payment carries
	CycleKind      string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	FeeZatsAccrued int64
	SettledAt      *time.Time
}
