package payment

import (
	"context"
	"errors"
	"time"
)

// Errors returned by payment providers.
var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrProviderDown    = errors.New("payment provider unavailable")
)

// InvoiceStatus values reported by providers, normalized across backends.
const (
	InvoicePending = "pending"
	InvoicePaid    = "paid"
	InvoiceExpired = "expired"
)

// Invoice is a provider-issued Lightning invoice.
type Invoice struct {
	InvoiceID      string
	EncodedInvoice string
	AmountSats     int64
	Status         string
	ExpiresAt      time.Time
}

// Payment is the result of an outbound Lightning payment.
type Payment struct {
	PaymentID  string
	Status     string
	AmountSats int64
	Reference  string
	Preimage   string
}

// Provider abstracts a Lightning payment backend. Implementations wrap a
// specific provider's REST API and normalize its responses.
type Provider interface {
	// Name identifies the provider, used in webhook routing and logging.
	Name() string

	// CreateInvoice requests a new invoice for the given amount. The
	// reference ties the invoice back to the bid it settles.
	CreateInvoice(ctx context.Context, amountSats int64, customerEmail, description, reference string, ttl time.Duration) (*Invoice, error)

	// PayInvoice sends amountSats to a payment target (seller payouts).
	// The target is a Lightning address or a zero-amount encoded invoice,
	// so the amount is carried explicitly rather than read off the invoice.
	PayInvoice(ctx context.Context, target string, amountSats int64, customerEmail, reference, description string) (*Payment, error)

	// GetInvoiceStatus fetches the current state of an invoice for
	// reconciliation when webhooks are missed.
	GetInvoiceStatus(ctx context.Context, invoiceID string) (*Invoice, error)
}
