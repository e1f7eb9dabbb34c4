package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"fitcheck-auction-api/internal/model"
	"fitcheck-auction-api/internal/payment"
	"fitcheck-auction-api/internal/repository"
)

// SettlementConfig holds configuration for the settlement worker.
type SettlementConfig struct {
	// Workers is the number of task goroutines. Default: 4
	Workers int

	// QueueSize bounds the task queue. Default: 256
	QueueSize int

	// SweepInterval is how often the periodic sweep runs. Default: 1 hour
	SweepInterval time.Duration

	// RetryBase is the first provider-retry delay, doubled per attempt.
	// Default: 2s
	RetryBase time.Duration

	// MaxAttempts bounds provider retries. Default: 5
	MaxAttempts int

	// InvoiceTTL is the requested invoice lifetime. Default: 24h
	InvoiceTTL time.Duration
}

// DefaultSettlementConfig returns default settlement configuration.
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		Workers:       4,
		QueueSize:     256,
		SweepInterval: 1 * time.Hour,
		RetryBase:     2 * time.Second,
		MaxAttempts:   5,
		InvoiceTTL:    24 * time.Hour,
	}
}

type taskKind int

const (
	taskInvoice taskKind = iota
	taskPayout
)

type settlementTask struct {
	kind taskKind
	id   string // bid id for invoices, item id for payouts
}

// SettlementWorker drives the payment side of the auction lifecycle:
// invoice generation for won bids, seller payouts after settlement, and the
// periodic sweep that closes due auctions and expires stale bids.
type SettlementWorker struct {
	store    repository.AuctionStore
	provider payment.Provider
	notifier *NotificationService
	auction  *AuctionService
	config   SettlementConfig

	tasks     chan settlementTask
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// NewSettlementWorker creates a new settlement worker and attaches it to the
// auction service as its task sink.
func NewSettlementWorker(store repository.AuctionStore, provider payment.Provider, notifier *NotificationService, auction *AuctionService, config SettlementConfig) *SettlementWorker {
	if config.Workers == 0 {
		config.Workers = 4
	}
	if config.QueueSize == 0 {
		config.QueueSize = 256
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = 1 * time.Hour
	}
	if config.RetryBase == 0 {
		config.RetryBase = 2 * time.Second
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 5
	}
	if config.InvoiceTTL == 0 {
		config.InvoiceTTL = 24 * time.Hour
	}

	w := &SettlementWorker{
		store:    store,
		provider: provider,
		notifier: notifier,
		auction:  auction,
		config:   config,
		tasks:    make(chan settlementTask, config.QueueSize),
		stopCh:   make(chan struct{}),
	}
	auction.AttachWorker(w)
	return w
}

// Start launches the worker pool and the sweep scheduler.
func (w *SettlementWorker) Start() {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	w.ticker = time.NewTicker(w.config.SweepInterval)
	w.mu.Unlock()

	log.Printf("[SettlementWorker] Started - Workers: %d, Sweep interval: %v",
		w.config.Workers, w.config.SweepInterval)

	for i := 0; i < w.config.Workers; i++ {
		w.wg.Add(1)
		go w.runWorker()
	}
	go w.runScheduler()
}

func (w *SettlementWorker) runWorker() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			w.handle(task)
		case <-w.stopCh:
			return
		}
	}
}

func (w *SettlementWorker) runScheduler() {
	for {
		select {
		case <-w.ticker.C:
			if _, err := w.RunSweep(context.Background()); err != nil {
				log.Printf("[SettlementWorker] Sweep error: %v", err)
			}
		case <-w.stopCh:
			log.Printf("[SettlementWorker] Stopped")
			return
		}
	}
}

func (w *SettlementWorker) handle(task settlementTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var err error
	switch task.kind {
	case taskInvoice:
		err = w.GenerateInvoice(ctx, task.id)
	case taskPayout:
		err = w.HandleSellerPayout(ctx, task.id)
	}
	if err != nil {
		log.Printf("[SettlementWorker] Task failed (kind=%d id=%s): %v", task.kind, task.id, err)
	}
}

// EnqueueInvoice queues invoice generation for a won bid.
func (w *SettlementWorker) EnqueueInvoice(bidID string) {
	w.enqueue(settlementTask{kind: taskInvoice, id: bidID})
}

// EnqueuePayout queues a seller payout for a settled item.
func (w *SettlementWorker) EnqueuePayout(itemID string) {
	w.enqueue(settlementTask{kind: taskPayout, id: itemID})
}

func (w *SettlementWorker) enqueue(task settlementTask) {
	select {
	case w.tasks <- task:
	default:
		log.Printf("[SettlementWorker] Queue full, dropping task (kind=%d id=%s); sweep will retry", task.kind, task.id)
	}
}

// GenerateInvoice creates a Lightning invoice for a WON bid and moves it to
// INVOICE_GENERATED. Provider failures retry with exponential backoff; when
// attempts are exhausted the bid fails and both parties are notified.
func (w *SettlementWorker) GenerateInvoice(ctx context.Context, bidID string) error {
	bid, err := w.store.GetBid(ctx, bidID)
	if err != nil {
		return fmt.Errorf("invoice generation: %w", err)
	}
	if bid.Status != model.BidWon {
		log.Printf("[SettlementWorker] Skipping invoice for bid %s in status %s", bidID, bid.Status)
		return nil
	}

	buyer, err := w.store.GetUser(ctx, bid.UserID)
	if err != nil {
		return fmt.Errorf("invoice generation: %w", err)
	}

	description := fmt.Sprintf("FitCheck auction settlement for item %s", bid.ItemID)
	var inv *payment.Invoice
	err = w.withRetry(ctx, "create invoice", func() error {
		var perr error
		inv, perr = w.provider.CreateInvoice(ctx, bid.AmountSats, buyer.Email, description, bid.ID, w.config.InvoiceTTL)
		return perr
	})
	if err != nil {
		log.Printf("[SettlementWorker] Invoice generation exhausted for bid %s: %v", bidID, err)
		return w.failBid(ctx, bid, err)
	}

	now := time.Now().UTC()
	updated, err := w.store.AttachInvoice(ctx, bid.ID, repository.InvoiceAttachment{
		InvoiceID:      inv.InvoiceID,
		EncodedInvoice: inv.EncodedInvoice,
		ExpiresAt:      inv.ExpiresAt,
	}, now)
	if errors.Is(err, repository.ErrStaleTransition) {
		log.Printf("[SettlementWorker] Bid %s left WON before invoice attach, skipping", bid.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to attach invoice to bid %s: %w", bid.ID, err)
	}

	log.Printf("[SettlementWorker] Invoice %s attached to bid %s", inv.InvoiceID, bid.ID)
	if nerr := w.notifier.Notify(ctx, bid.UserID, model.NotifyPaymentRequired, bid.ItemID, "", map[string]string{
		"bid_id":          bid.ID,
		"amount_sats":     strconv.FormatInt(bid.AmountSats, 10),
		"encoded_invoice": updated.EncodedInvoice,
	}); nerr != nil {
		log.Printf("[SettlementWorker] Payment-required notification failed for bid %s: %v", bid.ID, nerr)
	}
	return nil
}

func (w *SettlementWorker) failBid(ctx context.Context, bid *model.Bid, cause error) error {
	if _, err := w.store.FailBid(ctx, bid.ID, bid.Status, time.Now().UTC()); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return nil
		}
		return fmt.Errorf("failed to fail bid %s: %w", bid.ID, err)
	}

	item, err := w.store.GetItem(ctx, bid.ItemID)
	if err != nil {
		return err
	}
	meta := map[string]string{"bid_id": bid.ID, "reason": cause.Error()}
	if nerr := w.notifier.Notify(ctx, bid.UserID, model.NotifyPaymentFailed, bid.ItemID, "", meta); nerr != nil {
		log.Printf("[SettlementWorker] Payment-failed notification failed for bid %s: %v", bid.ID, nerr)
	}
	if nerr := w.notifier.Notify(ctx, item.SellerID, model.NotifyPaymentFailed, bid.ItemID, bid.UserID, meta); nerr != nil {
		log.Printf("[SettlementWorker] Seller payment-failed notification failed for bid %s: %v", bid.ID, nerr)
	}
	return nil
}

// HandleSellerPayout pays the seller of a settled item over Lightning.
// Items that already carry a payout id are skipped, so redelivered settle
// events never pay twice.
func (w *SettlementWorker) HandleSellerPayout(ctx context.Context, itemID string) error {
	item, err := w.store.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("seller payout: %w", err)
	}
	if item.PayoutID != "" {
		log.Printf("[SettlementWorker] Payout already recorded for item %s, skipping", itemID)
		return nil
	}
	if item.AuctionCurrentBid == nil {
		return fmt.Errorf("seller payout: item %s has no settled bid", itemID)
	}

	seller, err := w.store.GetUser(ctx, item.SellerID)
	if err != nil {
		return fmt.Errorf("seller payout: %w", err)
	}
	if seller.LightningAddress == "" {
		if nerr := w.notifier.Notify(ctx, item.SellerID, model.NotifyPayoutFailed, itemID, "", map[string]string{
			"reason": "no lightning address on file",
		}); nerr != nil {
			log.Printf("[SettlementWorker] Payout-failed notification failed for item %s: %v", itemID, nerr)
		}
		return fmt.Errorf("seller payout: user %s has no lightning address", item.SellerID)
	}

	amount := *item.AuctionCurrentBid
	reference := fmt.Sprintf("fitcheck-payout-%s", itemID)
	description := fmt.Sprintf("FitCheck payout for item %s", itemID)
	var pay *payment.Payment
	err = w.withRetry(ctx, "seller payout", func() error {
		var perr error
		pay, perr = w.provider.PayInvoice(ctx, seller.LightningAddress, amount, seller.Email, reference, description)
		return perr
	})
	if err != nil {
		log.Printf("[SettlementWorker] Seller payout exhausted for item %s: %v", itemID, err)
		if nerr := w.notifier.Notify(ctx, item.SellerID, model.NotifyPayoutFailed, itemID, "", map[string]string{
			"reason": err.Error(),
		}); nerr != nil {
			log.Printf("[SettlementWorker] Payout-failed notification failed for item %s: %v", itemID, nerr)
		}
		return err
	}

	err = w.store.RecordPayout(ctx, itemID, pay.PaymentID, time.Now().UTC())
	if errors.Is(err, repository.ErrPayoutRecorded) {
		log.Printf("[SettlementWorker] Payout raced for item %s, already recorded", itemID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record payout for item %s: %w", itemID, err)
	}

	log.Printf("[SettlementWorker] Payout %s completed for item %s", pay.PaymentID, itemID)
	if nerr := w.notifier.Notify(ctx, item.SellerID, model.NotifyPayoutCompleted, itemID, "", map[string]string{
		"payout_id":   pay.PaymentID,
		"amount_sats": strconv.FormatInt(amount, 10),
	}); nerr != nil {
		log.Printf("[SettlementWorker] Payout notification failed for item %s: %v", itemID, nerr)
	}
	return nil
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	AuctionsClosed          int `json:"auctions_closed"`
	BidsExpired             int `json:"bids_expired"`
	InvoicesRecovered       int `json:"invoices_recovered"`
	NotificationsDispatched int `json:"notifications_dispatched"`
}

// RunSweep closes due auctions, expires stale bids, recovers WON bids whose
// invoice task was lost (dropped on a full queue or by a crash) and
// re-publishes pending notifications. Each pass is idempotent: everything it
// touches is guarded by a status compare-and-swap, so overlapping sweeps
// release each hold at most once.
func (w *SettlementWorker) RunSweep(ctx context.Context) (*SweepResult, error) {
	now := time.Now().UTC()
	result := &SweepResult{}

	due, err := w.store.DueItemIDs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	for _, itemID := range due {
		res, err := w.auction.CloseAuction(ctx, itemID)
		if err != nil {
			log.Printf("[SettlementWorker] Sweep failed to close auction %s: %v", itemID, err)
			continue
		}
		if !res.AlreadyClosed {
			result.AuctionsClosed++
		}
	}

	stale, err := w.store.StaleBids(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	for _, bid := range stale {
		_, err := w.store.ExpireBid(ctx, bid.ID, bid.Status, now)
		if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			log.Printf("[SettlementWorker] Sweep failed to expire bid %s: %v", bid.ID, err)
			continue
		}
		result.BidsExpired++
	}

	uninvoiced, err := w.store.UninvoicedWonBids(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	for _, bid := range uninvoiced {
		if !bid.ExpiresAt.After(now) {
			// The invoice never materialized within the bid's lifetime.
			if err := w.failBid(ctx, bid, errors.New("invoice was not generated before the bid expired")); err != nil {
				log.Printf("[SettlementWorker] Sweep failed to fail bid %s: %v", bid.ID, err)
				continue
			}
			result.BidsExpired++
			continue
		}
		if err := w.GenerateInvoice(ctx, bid.ID); err != nil {
			log.Printf("[SettlementWorker] Sweep failed to recover invoice for bid %s: %v", bid.ID, err)
			continue
		}
		result.InvoicesRecovered++
	}

	dispatched, err := w.notifier.RedispatchPending(ctx, 100)
	if err != nil {
		log.Printf("[SettlementWorker] Sweep redispatch error: %v", err)
	}
	result.NotificationsDispatched = dispatched

	if result.AuctionsClosed > 0 || result.BidsExpired > 0 || result.InvoicesRecovered > 0 || result.NotificationsDispatched > 0 {
		log.Printf("[SettlementWorker] Sweep: closed=%d expired=%d recovered=%d redispatched=%d",
			result.AuctionsClosed, result.BidsExpired, result.InvoicesRecovered, result.NotificationsDispatched)
	}
	return result, nil
}

// withRetry runs fn with exponential backoff until it succeeds, attempts are
// exhausted or the context ends.
func (w *SettlementWorker) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := w.config.RetryBase
	for attempt := 1; attempt <= w.config.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == w.config.MaxAttempts {
			break
		}
		log.Printf("[SettlementWorker] %s attempt %d/%d failed: %v (retry in %v)",
			op, attempt, w.config.MaxAttempts, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, w.config.MaxAttempts, err)
}

// Stop stops the workers and the sweep scheduler.
func (w *SettlementWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		if w.ticker != nil {
			w.ticker.Stop()
		}
		close(w.stopCh)
		w.isRunning = false
	})
	w.wg.Wait()
}
