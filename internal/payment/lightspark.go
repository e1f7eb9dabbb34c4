package payment

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const lightsparkDefaultURL = "https://api.lightspark.com"

// LightsparkProvider implements Provider against the Lightspark API.
type LightsparkProvider struct {
	client *resty.Client
	nodeID string
}

// NewLightsparkProvider creates a Lightspark-backed provider. The token id and
// secret come from a Lightspark API token; nodeID selects the Lightning node
// invoices are issued against.
func NewLightsparkProvider(tokenID, tokenSecret, nodeID, baseURL string) (*LightsparkProvider, error) {
	if tokenID == "" || tokenSecret == "" {
		return nil, fmt.Errorf("lightspark token id and secret are required")
	}
	if nodeID == "" {
		return nil, fmt.Errorf("lightspark node id is required")
	}
	if baseURL == "" {
		baseURL = lightsparkDefaultURL
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetBasicAuth(tokenID, tokenSecret).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	log.Printf("[LightsparkProvider] Initialized (node=%s)", nodeID)
	return &LightsparkProvider{client: client, nodeID: nodeID}, nil
}

// Name returns the provider identifier used in webhook routes.
func (p *LightsparkProvider) Name() string {
	return "lightspark"
}

type lightsparkInvoice struct {
	ID             string `json:"id"`
	EncodedRequest string `json:"encoded_payment_request"`
	AmountMsats    int64  `json:"amount_msats"`
	Status         string `json:"status"`
	ExpiresAt      string `json:"expires_at"`
}

type lightsparkPayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountMsats int64  `json:"amount_msats"`
	Preimage    string `json:"payment_preimage"`
}

// CreateInvoice creates a Lightning invoice on the configured node.
func (p *LightsparkProvider) CreateInvoice(ctx context.Context, amountSats int64, customerEmail, description, reference string, ttl time.Duration) (*Invoice, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	var result lightsparkInvoice
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"node_id":        p.nodeID,
			"amount_msats":   amountSats * 1000,
			"memo":           description,
			"reference":      reference,
			"expiry_secs":    int64(ttl.Seconds()),
			"customer_email": customerEmail,
		}).
		SetResult(&result).
		Post("/v1/invoices")
	if err != nil {
		return nil, fmt.Errorf("lightspark create invoice: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("lightspark create invoice: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.ID == "" {
		return nil, fmt.Errorf("lightspark create invoice: empty response")
	}

	log.Printf("[LightsparkProvider] Created invoice %s for %d sats", result.ID, amountSats)
	return &Invoice{
		InvoiceID:      result.ID,
		EncodedInvoice: result.EncodedRequest,
		AmountSats:     amountSats,
		Status:         normalizeLightsparkStatus(result.Status),
		ExpiresAt:      parseBitnobTime(result.ExpiresAt, time.Now().Add(ttl)),
	}, nil
}

// PayInvoice sends amountSats to a payment target from the configured node.
// The target is a Lightning address or zero-amount payment request, so the
// amount goes on the wire as amount_msats.
func (p *LightsparkProvider) PayInvoice(ctx context.Context, target string, amountSats int64, customerEmail, reference, description string) (*Payment, error) {
	var result lightsparkPayment
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"node_id":                 p.nodeID,
			"encoded_payment_request": target,
			"amount_msats":            amountSats * 1000,
			"reference":               reference,
			"memo":                    description,
		}).
		SetResult(&result).
		Post("/v1/payments")
	if err != nil {
		return nil, fmt.Errorf("lightspark pay invoice: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("lightspark pay invoice: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.ID == "" {
		return nil, fmt.Errorf("lightspark pay invoice: empty response")
	}

	log.Printf("[LightsparkProvider] Payment %s initiated (reference=%s)", result.ID, reference)
	return &Payment{
		PaymentID:  result.ID,
		Status:     result.Status,
		AmountSats: result.AmountMsats / 1000,
		Reference:  reference,
		Preimage:   result.Preimage,
	}, nil
}

// GetInvoiceStatus fetches the current state of an invoice.
func (p *LightsparkProvider) GetInvoiceStatus(ctx context.Context, invoiceID string) (*Invoice, error) {
	var result lightsparkInvoice
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/invoices/" + invoiceID)
	if err != nil {
		return nil, fmt.Errorf("lightspark get invoice: %w", err)
	}
	if resp.StatusCode() == 404 {
		return nil, ErrInvoiceNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("lightspark get invoice: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.ID == "" {
		return nil, ErrInvoiceNotFound
	}

	return &Invoice{
		InvoiceID:      result.ID,
		EncodedInvoice: result.EncodedRequest,
		AmountSats:     result.AmountMsats / 1000,
		Status:         normalizeLightsparkStatus(result.Status),
		ExpiresAt:      parseBitnobTime(result.ExpiresAt, time.Time{}),
	}, nil
}

func normalizeLightsparkStatus(s string) string {
	switch strings.ToUpper(s) {
	case "PAID", "SUCCESS", "SETTLED":
		return InvoicePaid
	case "EXPIRED", "CANCELLED":
		return InvoiceExpired
	default:
		return InvoicePending
	}
}
