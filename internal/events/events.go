package events

import "context"

// Event types
const (
	EventInvoiceDetected  = "invoice_detected"
	EventInvoiceConfirmed = "invoice_confirmed"
	EventInvoiceExpired   = "invoice_expired"
	EventInvoiceCancelled = "invoice_cancelled"
	EventInvoiceShipped   = "invoice_shipped"
	EventInvoiceRefunded  = "invoice_refunded"

	// StreamInvoices is the single channel invoice lifecycle transitions
	// are published on; subscribers filter by Event.Type.
	StreamInvoices = "cipherpay:invoices"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
