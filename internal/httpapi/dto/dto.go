// Package dto holds the wire-level request/response shapes for the
// REST surface, kept separate from the domain types in internal/store
// so a field rename in the API contract never forces a storage
// migration and vice versa.
package dto

import "time"

type CreateMerchantRequest struct {
	Name        string `json:"name"`
	Network     string `json:"network"`
	UFVK        string `json:"ufvk"`
	PaymentAddr string `json:"payment_address"`
	WebhookURL  string `json:"webhook_url"`
}

type MerchantResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Network        string  `json:"network"`
	PaymentAddress string  `json:"payment_address"`
	WebhookURL     *string `json:"webhook_url,omitempty"`
	APIKey         string  `json:"api_key,omitempty"` // present only on creation/rotation
	CreatedAt      time.Time `json:"created_at"`
}

type RotateKeyRequest struct {
	UFVK        string `json:"ufvk"`
	PaymentAddr string `json:"payment_address"`
}

type CreateInvoiceRequest struct {
	PriceEUR        float64        `json:"price_eur"`
	Currency        string         `json:"currency"`
	Description     *string        `json:"description,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ShippingAlias   *string        `json:"shipping_alias,omitempty"`
	ShippingAddress *string        `json:"shipping_address,omitempty"`
	ShippingRegion  *string        `json:"shipping_region,omitempty"`
}

type InvoiceResponse struct {
	ID          string         `json:"id"`
	MemoCode    string         `json:"memo_code"`
	PriceEUR    float64        `json:"price_eur"`
	PriceZEC    float64        `json:"price_zec"`
	Currency    string         `json:"currency"`
	Status      string         `json:"status"`
	Description *string        `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DetectedTxid *string       `json:"detected_txid,omitempty"`
	ExpiresAt   time.Time      `json:"expires_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

type RatesResponse struct {
	ZECEUR float64 `json:"zec_eur"`
	ZECUSD float64 `json:"zec_usd"`
	Stale  bool    `json:"stale"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type AdminLoginRequest struct {
	Password string `json:"password"`
}

type AdminLoginResponse struct {
	Token string `json:"token"`
}

type BillingCycleResponse struct {
	ID             string     `json:"id"`
	MerchantID     string     `json:"merchant_id"`
	CycleCode      string     `json:"cycle_code"`
	CycleKind      string     `json:"cycle_kind"`
	PeriodStart    time.Time  `json:"period_start"`
	PeriodEnd      time.Time  `json:"period_end"`
	FeeZatsAccrued int64      `json:"fee_zats_accrued"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}
