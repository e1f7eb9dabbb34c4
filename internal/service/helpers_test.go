package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fitcheck-auction-api/internal/model"
	"fitcheck-auction-api/internal/payment"
	"fitcheck-auction-api/internal/repository"
	"fitcheck-auction-api/pkg/uid"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *repository.SQLiteAuctionStore {
	t.Helper()
	store, err := repository.NewSQLiteAuctionStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedUser(t *testing.T, store repository.AuctionStore, balance int64, lnAddress string) *model.User {
	t.Helper()
	u := &model.User{
		ID:               uid.New(),
		Username:         "user-" + uid.New()[:8],
		Email:            "user@example.com",
		LightningAddress: lnAddress,
		BalanceSats:      balance,
	}
	require.NoError(t, store.CreateUser(context.Background(), u))
	return u
}

func seedItem(t *testing.T, store repository.AuctionStore, sellerID string, startPrice int64, endsAt time.Time) *model.Item {
	t.Helper()
	it := &model.Item{
		ID:                uid.New(),
		SellerID:          sellerID,
		Name:              "denim jacket",
		AuctionStatus:     model.AuctionActive,
		AuctionStartPrice: startPrice,
		AuctionEndsAt:     endsAt,
	}
	require.NoError(t, store.CreateItem(context.Background(), it))
	return it
}

// fakeProvider is a scriptable payment.Provider. failCreates and failPays
// count down: while positive the call errors.
type fakeProvider struct {
	mu            sync.Mutex
	failCreates   int
	failPays      int
	creates       int
	pays          int
	lastPayTarget string
	lastPaySats   int64
	invoiceID     string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateInvoice(ctx context.Context, amountSats int64, customerEmail, description, reference string, ttl time.Duration) (*payment.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.failCreates > 0 {
		f.failCreates--
		return nil, payment.ErrProviderDown
	}
	id := f.invoiceID
	if id == "" {
		id = "inv-" + reference
	}
	return &payment.Invoice{
		InvoiceID:      id,
		EncodedInvoice: "lnbc-" + reference,
		AmountSats:     amountSats,
		Status:         payment.InvoicePending,
		ExpiresAt:      time.Now().Add(ttl),
	}, nil
}

func (f *fakeProvider) PayInvoice(ctx context.Context, target string, amountSats int64, customerEmail, reference, description string) (*payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pays++
	if f.failPays > 0 {
		f.failPays--
		return nil, payment.ErrProviderDown
	}
	f.lastPayTarget = target
	f.lastPaySats = amountSats
	return &payment.Payment{
		PaymentID:  fmt.Sprintf("pay-%d", f.pays),
		Status:     "SUCCESS",
		AmountSats: amountSats,
		Reference:  reference,
		Preimage:   "preimage-" + reference,
	}, nil
}

func (f *fakeProvider) GetInvoiceStatus(ctx context.Context, invoiceID string) (*payment.Invoice, error) {
	return nil, payment.ErrInvoiceNotFound
}

func (f *fakeProvider) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeProvider) payCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pays
}

func (f *fakeProvider) lastPay() (string, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPayTarget, f.lastPaySats
}

// captureEnqueuer records enqueued task ids instead of running a worker.
type captureEnqueuer struct {
	mu       sync.Mutex
	invoices []string
	payouts  []string
}

func (c *captureEnqueuer) EnqueueInvoice(bidID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invoices = append(c.invoices, bidID)
}

func (c *captureEnqueuer) EnqueuePayout(itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payouts = append(c.payouts, itemID)
}

func (c *captureEnqueuer) payoutCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payouts)
}

// testSettlementConfig keeps retries fast in tests.
func testSettlementConfig() SettlementConfig {
	return SettlementConfig{
		Workers:       1,
		QueueSize:     16,
		SweepInterval: time.Hour,
		RetryBase:     time.Millisecond,
		MaxAttempts:   3,
		InvoiceTTL:    24 * time.Hour,
	}
}

func wonBid(t *testing.T, store repository.AuctionStore, itemID, userID string, amount int64) *model.Bid {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.ReserveBid(ctx, itemID, userID, amount, now)
	require.NoError(t, err)
	res, err := store.CloseAuction(ctx, itemID, now)
	require.NoError(t, err)
	require.NotNil(t, res.Winning)
	return res.Winning
}
