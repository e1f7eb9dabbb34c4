package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"fitcheck-auction-api/internal/cache"
	"fitcheck-auction-api/internal/model"
	"fitcheck-auction-api/internal/repository"
)

// Webhook verification and processing errors. Handlers map these to the
// HTTP contract: 403 for signature failures, 400 for malformed payloads.
var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

const webhookDedupeTTL = 2 * time.Hour

// WebhookReconciler verifies provider webhooks and reconciles payment
// events against bid state. Every mutation goes through a status
// compare-and-swap, so redelivered events settle a bid at most once; the
// event-id cache short-circuits exact redeliveries of events that were
// already applied.
type WebhookReconciler struct {
	store    repository.AuctionStore
	notifier *NotificationService
	tasks    InvoiceEnqueuer
	dedupe   cache.Cache
	secret   []byte
}

// NewWebhookReconciler creates a new reconciler. An empty secret disables
// signature verification (development only). dedupe may be nil.
func NewWebhookReconciler(store repository.AuctionStore, notifier *NotificationService, tasks InvoiceEnqueuer, dedupe cache.Cache, secret string) *WebhookReconciler {
	if secret == "" {
		log.Printf("[WebhookReconciler] WARNING: webhook secret not configured, signature verification disabled")
	}
	return &WebhookReconciler{
		store:    store,
		notifier: notifier,
		tasks:    tasks,
		dedupe:   dedupe,
		secret:   []byte(secret),
	}
}

// Verify checks the HMAC-SHA256 hex signature over the raw request body.
func (r *WebhookReconciler) Verify(raw []byte, signature string) error {
	if len(r.secret) == 0 {
		return nil
	}
	if signature == "" {
		return ErrMissingSignature
	}

	mac := hmac.New(sha256.New, r.secret)
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// webhookEvent is the normalized payload shape shared by the providers.
type webhookEvent struct {
	EventType string `json:"event_type"`
	EventID   string `json:"id"`
	EntityID  string `json:"entity_id"`
	InvoiceID string `json:"invoice_id"`
	Status    string `json:"status"`
	PaymentID string `json:"payment_id"`
	Preimage  string `json:"preimage"`
}

func (e *webhookEvent) invoiceRef() string {
	if e.InvoiceID != "" {
		return e.InvoiceID
	}
	return e.EntityID
}

// Process parses and applies one webhook event. Unknown event types and
// events with no matching bid are acknowledged without effect.
func (r *WebhookReconciler) Process(ctx context.Context, raw []byte) error {
	var event webhookEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if event.EventType == "" || event.invoiceRef() == "" || event.Status == "" {
		return fmt.Errorf("%w: missing event_type, invoice reference or status", ErrMalformedPayload)
	}

	// The event id is only marked seen after the event has been applied.
	// A transient store failure leaves the id unmarked so the provider's
	// redelivery of the same event still reaches the bid.
	var dedupeKey string
	if event.EventID != "" && r.dedupe != nil {
		dedupeKey = "webhook:event:" + event.EventID
		seen, err := r.dedupe.Exists(ctx, dedupeKey)
		if err != nil {
			log.Printf("[WebhookReconciler] Dedupe cache error, continuing: %v", err)
		} else if seen {
			log.Printf("[WebhookReconciler] Duplicate event %s, skipping", event.EventID)
			return nil
		}
	}

	if err := r.apply(ctx, &event); err != nil {
		return err
	}

	if dedupeKey != "" {
		if err := r.dedupe.Set(ctx, dedupeKey, []byte("1"), webhookDedupeTTL); err != nil {
			log.Printf("[WebhookReconciler] Dedupe cache error marking event %s: %v", event.EventID, err)
		}
	}
	return nil
}

func (r *WebhookReconciler) apply(ctx context.Context, event *webhookEvent) error {
	bid, err := r.store.GetBidByInvoiceID(ctx, event.invoiceRef())
	if errors.Is(err, repository.ErrNotFound) {
		log.Printf("[WebhookReconciler] No bid for invoice %s, acknowledging", event.invoiceRef())
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhook lookup: %w", err)
	}

	switch {
	case isSuccessStatus(event.Status):
		return r.settle(ctx, bid, event)
	case isFailureStatus(event.Status):
		return r.fail(ctx, bid, event)
	default:
		log.Printf("[WebhookReconciler] Ignoring event type=%s status=%s for bid %s",
			event.EventType, event.Status, bid.ID)
		return nil
	}
}

func (r *WebhookReconciler) settle(ctx context.Context, bid *model.Bid, event *webhookEvent) error {
	paymentID := event.PaymentID
	if paymentID == "" {
		paymentID = event.EventID
	}

	settled, err := r.store.SettleBid(ctx, bid.ID, paymentID, event.Preimage, time.Now().UTC())
	if errors.Is(err, repository.ErrAlreadySettled) {
		log.Printf("[WebhookReconciler] Bid %s already settled, acknowledging", bid.ID)
		return nil
	}
	if errors.Is(err, repository.ErrInvalidTransition) {
		log.Printf("[WebhookReconciler] Success event for bid %s in status %s, acknowledging", bid.ID, bid.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhook settle: %w", err)
	}

	log.Printf("[WebhookReconciler] Bid %s settled (payment=%s)", settled.ID, paymentID)
	if nerr := r.notifier.Notify(ctx, settled.UserID, model.NotifyPaymentReceived, settled.ItemID, "", map[string]string{
		"bid_id":     settled.ID,
		"payment_id": paymentID,
	}); nerr != nil {
		log.Printf("[WebhookReconciler] Payment-received notification failed for bid %s: %v", settled.ID, nerr)
	}

	if r.tasks != nil {
		r.tasks.EnqueuePayout(settled.ItemID)
	}
	return nil
}

func (r *WebhookReconciler) fail(ctx context.Context, bid *model.Bid, event *webhookEvent) error {
	_, err := r.store.FailBid(ctx, bid.ID, model.BidInvoiceGenerated, time.Now().UTC())
	if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrInvalidTransition) {
		log.Printf("[WebhookReconciler] Failure event for bid %s in status %s, acknowledging", bid.ID, bid.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhook fail: %w", err)
	}

	log.Printf("[WebhookReconciler] Bid %s marked failed (event=%s)", bid.ID, event.EventType)
	if nerr := r.notifier.Notify(ctx, bid.UserID, model.NotifyPaymentFailed, bid.ItemID, "", map[string]string{
		"bid_id": bid.ID,
		"reason": event.Status,
	}); nerr != nil {
		log.Printf("[WebhookReconciler] Payment-failed notification failed for bid %s: %v", bid.ID, nerr)
	}
	return nil
}

func isSuccessStatus(s string) bool {
	switch strings.ToUpper(s) {
	case "SUCCESS", "PAID", "SETTLED", "COMPLETED":
		return true
	}
	return false
}

func isFailureStatus(s string) bool {
	switch strings.ToUpper(s) {
	case "FAILED", "FAILURE", "EXPIRED", "CANCELLED":
		return true
	}
	return false
}
