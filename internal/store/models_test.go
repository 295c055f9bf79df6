package store

import "testing"

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		{InvoiceStatusPending, InvoiceStatusDetected, true},
		{InvoiceStatusPending, InvoiceStatusUnderpaid, true},
		{InvoiceStatusPending, InvoiceStatusExpired, true},
		{InvoiceStatusPending, InvoiceStatusCancelled, true},
		{InvoiceStatusUnderpaid, InvoiceStatusDetected, true},
		{InvoiceStatusUnderpaid, InvoiceStatusExpired, true},
		{InvoiceStatusUnderpaid, InvoiceStatusCancelled, true},
		{InvoiceStatusDetected, InvoiceStatusConfirmed, true},
		{InvoiceStatusConfirmed, InvoiceStatusShipped, true},
		{InvoiceStatusConfirmed, InvoiceStatusRefunded, true},

		// Invalid: backward or skipped transitions
		{InvoiceStatusDetected, InvoiceStatusPending, false},
		{InvoiceStatusConfirmed, InvoiceStatusDetected, false},
		{InvoiceStatusExpired, InvoiceStatusPending, false},
		{InvoiceStatusExpired, InvoiceStatusDetected, false},
		{InvoiceStatusShipped, InvoiceStatusRefunded, false},
		{InvoiceStatusRefunded, InvoiceStatusShipped, false},
		{InvoiceStatusCancelled, InvoiceStatusPending, false},
		{InvoiceStatusDetected, InvoiceStatusExpired, false},
		{"nonexistent", InvoiceStatusPending, false},
		{InvoiceStatusPending, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestAllStatusesHaveTransitionEntry(t *testing.T) {
	allStatuses := []string{
		InvoiceStatusPending, InvoiceStatusDetected, InvoiceStatusUnderpaid,
		InvoiceStatusConfirmed, InvoiceStatusExpired, InvoiceStatusShipped,
		InvoiceStatusRefunded, InvoiceStatusCancelled,
	}

	for _, status := range allStatuses {
		if _, ok := ValidInvoiceTransitions[status]; !ok {
			t.Errorf("status %q missing from ValidInvoiceTransitions map", status)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	terminal := []string{InvoiceStatusExpired, InvoiceStatusShipped, InvoiceStatusRefunded, InvoiceStatusCancelled}
	for _, status := range terminal {
		transitions := ValidInvoiceTransitions[status]
		if len(transitions) != 0 {
			t.Errorf("terminal status %q should have no transitions, got %v", status, transitions)
		}
	}
}

func TestExpiryOnlyFromPendingOrUnderpaid(t *testing.T) {
	for from, tos := range ValidInvoiceTransitions {
		for _, to := range tos {
			if to == InvoiceStatusExpired && from != InvoiceStatusPending && from != InvoiceStatusUnderpaid {
				t.Errorf("unexpected expiry edge from %q", from)
			}
		}
	}
}
