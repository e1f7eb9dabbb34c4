package payment

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	bitnobProductionURL = "https://api.bitnob.co"
	bitnobSandboxURL    = "https://sandboxapi.bitnob.co"
)

// BitnobProvider implements Provider against the Bitnob Lightning API.
type BitnobProvider struct {
	client *resty.Client
}

// NewBitnobProvider creates a Bitnob-backed provider. Sandbox mode targets
// Bitnob's test environment.
func NewBitnobProvider(apiKey string, production bool) (*BitnobProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("bitnob api key is required")
	}

	baseURL := bitnobSandboxURL
	if production {
		baseURL = bitnobProductionURL
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	log.Printf("[BitnobProvider] Initialized (production=%v)", production)
	return &BitnobProvider{client: client}, nil
}

// Name returns the provider identifier used in webhook routes.
func (p *BitnobProvider) Name() string {
	return "bitnob"
}

type bitnobInvoiceData struct {
	ID             string `json:"id"`
	Request        string `json:"request"`
	Tokens         int64  `json:"tokens"`
	Status         string `json:"status"`
	ExpiresAt      string `json:"expires_at"`
	Description    string `json:"description"`
	IsPaid         bool   `json:"isPaid"`
	IsExpired      bool   `json:"isExpired"`
	PaymentRequest string `json:"payment_request"`
}

type bitnobInvoiceResponse struct {
	Status  bool              `json:"status"`
	Message string            `json:"message"`
	Data    bitnobInvoiceData `json:"data"`
}

type bitnobPaymentData struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	Preimage  string `json:"secret"`
}

type bitnobPaymentResponse struct {
	Status  bool              `json:"status"`
	Message string            `json:"message"`
	Data    bitnobPaymentData `json:"data"`
}

// CreateInvoice creates a Lightning invoice via Bitnob.
func (p *BitnobProvider) CreateInvoice(ctx context.Context, amountSats int64, customerEmail, description, reference string, ttl time.Duration) (*Invoice, error) {
	var result bitnobInvoiceResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"customerEmail": customerEmail,
			"description":   description,
			"tokens":        amountSats,
			"reference":     reference,
			"expires_at":    formatTTL(ttl),
		}).
		SetResult(&result).
		Post("/api/v1/wallets/ln/createinvoice")
	if err != nil {
		return nil, fmt.Errorf("bitnob create invoice: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bitnob create invoice: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Data.ID == "" {
		return nil, fmt.Errorf("bitnob create invoice: empty response: %s", result.Message)
	}

	encoded := result.Data.Request
	if encoded == "" {
		encoded = result.Data.PaymentRequest
	}
	log.Printf("[BitnobProvider] Created invoice %s for %d sats", result.Data.ID, amountSats)

	return &Invoice{
		InvoiceID:      result.Data.ID,
		EncodedInvoice: encoded,
		AmountSats:     amountSats,
		Status:         normalizeBitnobStatus(result.Data),
		ExpiresAt:      parseBitnobTime(result.Data.ExpiresAt, time.Now().Add(ttl)),
	}, nil
}

// PayInvoice sends sats to a Lightning address via Bitnob's lnurl endpoint.
// The address carries no amount of its own, so amountSats decides the payout.
func (p *BitnobProvider) PayInvoice(ctx context.Context, target string, amountSats int64, customerEmail, reference, description string) (*Payment, error) {
	var result bitnobPaymentResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"lnAddress":     target,
			"satoshis":      amountSats,
			"customerEmail": customerEmail,
			"reference":     reference,
			"description":   description,
		}).
		SetResult(&result).
		Post("/api/v1/lnurl/paylnaddress")
	if err != nil {
		return nil, fmt.Errorf("bitnob pay invoice: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bitnob pay invoice: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Data.ID == "" {
		return nil, fmt.Errorf("bitnob pay invoice: empty response: %s", result.Message)
	}

	log.Printf("[BitnobProvider] Payment %s of %d sats initiated (reference=%s)", result.Data.ID, amountSats, reference)
	return &Payment{
		PaymentID:  result.Data.ID,
		Status:     result.Data.Status,
		AmountSats: amountSats,
		Reference:  reference,
		Preimage:   result.Data.Preimage,
	}, nil
}

// GetInvoiceStatus fetches the current state of an invoice.
func (p *BitnobProvider) GetInvoiceStatus(ctx context.Context, invoiceID string) (*Invoice, error) {
	var result bitnobInvoiceResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("invoiceId", invoiceID).
		SetResult(&result).
		Get("/api/v1/wallets/ln/getinvoice")
	if err != nil {
		return nil, fmt.Errorf("bitnob get invoice: %w", err)
	}
	if resp.StatusCode() == 404 {
		return nil, ErrInvoiceNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bitnob get invoice: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Data.ID == "" {
		return nil, ErrInvoiceNotFound
	}

	encoded := result.Data.Request
	if encoded == "" {
		encoded = result.Data.PaymentRequest
	}
	return &Invoice{
		InvoiceID:      result.Data.ID,
		EncodedInvoice: encoded,
		AmountSats:     result.Data.Tokens,
		Status:         normalizeBitnobStatus(result.Data),
		ExpiresAt:      parseBitnobTime(result.Data.ExpiresAt, time.Time{}),
	}, nil
}

func normalizeBitnobStatus(d bitnobInvoiceData) string {
	switch {
	case d.IsPaid || strings.EqualFold(d.Status, "paid"):
		return InvoicePaid
	case d.IsExpired || strings.EqualFold(d.Status, "expired"):
		return InvoiceExpired
	default:
		return InvoicePending
	}
}

func parseBitnobTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}

// formatTTL renders an invoice lifetime in Bitnob's "<n>h" form. Bitnob
// rejects "0h", so sub-hour TTLs are clamped to one hour.
func formatTTL(ttl time.Duration) string {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	hours := int(ttl.Hours())
	if hours < 1 {
		hours = 1
	}
	return fmt.Sprintf("%dh", hours)
}
