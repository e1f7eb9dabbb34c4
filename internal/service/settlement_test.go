package service

import (
	"context"
	"testing"
	"time"

	"fitcheck-auction-api/internal/model"
	"fitcheck-auction-api/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateInvoice_Success(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	provider := &fakeProvider{}
	notifier := NewNotificationService(store, &LogDispatcher{})
	auction := NewAuctionService(store, notifier)
	worker := NewSettlementWorker(store, provider, notifier, auction, testSettlementConfig())

	seller := seedUser(t, store, 0, "seller@ln.example.com")
	buyer := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
	bid := wonBid(t, store, item.ID, buyer.ID, 2000)

	require.NoError(t, worker.GenerateInvoice(ctx, bid.ID))

	after, err := store.GetBid(ctx, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BidInvoiceGenerated, after.Status)
	assert.NotEmpty(t, after.InvoiceID)
	assert.NotEmpty(t, after.EncodedInvoice)
	require.NotNil(t, after.InvoiceExpiresAt)
	assert.Equal(t, 1, provider.createCalls())

	// The buyer got a payment-required notification.
	pending, err := store.UndispatchedNotifications(ctx, 10)
	require.NoError(t, err)
	found := false
	for _, n := range pending {
		if n.Type == model.NotifyPaymentRequired && n.UserID == buyer.ID {
			found = true
		}
	}
	assert.True(t, found, "payment required notification missing")
}

func TestGenerateInvoice_RetriesThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	provider := &fakeProvider{failCreates: 2}
	notifier := NewNotificationService(store, &LogDispatcher{})
	auction := NewAuctionService(store, notifier)
	worker := NewSettlementWorker(store, provider, notifier, auction, testSettlementConfig())

	seller := seedUser(t, store, 0, "")
	buyer := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
	bid := wonBid(t, store, item.ID, buyer.ID, 1000)

	require.NoError(t, worker.GenerateInvoice(ctx, bid.ID))

	after, err := store.GetBid(ctx, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BidInvoiceGenerated, after.Status)
	assert.Equal(t, 3, provider.createCalls())
}

func TestGenerateInvoice_ExhaustedFailsBid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	provider := &fakeProvider{failCreates: 100}
	notifier := NewNotificationService(store, &LogDispatcher{})
	auction := NewAuctionService(store, notifier)
	worker := NewSettlementWorker(store, provider, notifier, auction, testSettlementConfig())

	seller := seedUser(t, store, 0, "")
	buyer := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
	bid := wonBid(t, store, item.ID, buyer.ID, 1000)

	require.NoError(t, worker.GenerateInvoice(ctx, bid.ID))
	assert.Equal(t, 3, provider.createCalls())

	after, err := store.GetBid(ctx, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BidFailedPayment, after.Status)

	// WON held funds; failure releases the hold.
	buyerAfter, err := store.GetUser(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Zero(t, buyerAfter.BalanceHoldSats)
	assert.Equal(t, int64(10000), buyerAfter.BalanceSats)
}

func TestGenerateInvoice_SkipsNonWonBid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	provider := &fakeProvider{}
	notifier := NewNotificationService(store, &LogDispatcher{})
	auction := NewAuctionService(store, notifier)
	worker := NewSettlementWorker(store, provider, notifier, auction, testSettlementConfig())

	seller := seedUser(t, store, 0, "")
	buyer := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))

	res, err := store.ReserveBid(ctx, item.ID, buyer.ID, 500, now)
	require.NoError(t, err)

	require.NoError(t, worker.GenerateInvoice(ctx, res.Bid.ID))
	assert.Zero(t, provider.createCalls(), "provider must not be called for a RESERVED bid")
}

func TestHandleSellerPayout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	provider := &fakeProvider{}
	notifier := NewNotificationService(store, &LogDispatcher{})
	auction := NewAuctionService(store, notifier)
	worker := NewSettlementWorker(store, provider, notifier, auction, testSettlementConfig())

	seller := seedUser(t, store, 0, "seller@ln.example.com")
	buyer := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
	wonBid(t, store, item.ID, buyer.ID, 1500)

	require.NoError(t, worker.HandleSellerPayout(ctx, item.ID))
	assert.Equal(t, 1, provider.payCalls())

	// The provider is paid the settled bid amount at the seller's address.
	target, sats := provider.lastPay()
	assert.Equal(t, "seller@ln.example.com", target)
	assert.Equal(t, int64(1500), sats)

	after, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, after.PayoutID)

	// Second run skips: the payout id is already recorded.
	require.NoError(t, worker.HandleSellerPayout(ctx, item.ID))
	assert.Equal(t, 1, provider.payCalls())
}

func TestHandleSellerPayout_NoLightningAddress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	provider := &fakeProvider{}
	notifier := NewNotificationService(store, &LogDispatcher{})
	auction := NewAuctionService(store, notifier)
	worker := NewSettlementWorker(store, provider, notifier, auction, testSettlementConfig())

	seller := seedUser(t, store, 0, "")
	buyer := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
	wonBid(t, store, item.ID, buyer.ID, 1500)

	assert.Error(t, worker.HandleSellerPayout(ctx, item.ID))
	assert.Zero(t, provider.payCalls())
}

func TestRunSweep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	provider := &fakeProvider{}
	notifier := NewNotificationService(store, &LogDispatcher{})
	auction := NewAuctionService(store, notifier)
	worker := NewSettlementWorker(store, provider, notifier, auction, testSettlementConfig())

	seller := seedUser(t, store, 0, "")
	buyer := seedUser(t, store, 100000, "")

	// One due auction with a bid, one stale reserved bid on a live auction.
	due := seedItem(t, store, seller.ID, 100, now.Add(-time.Minute))
	_, err := store.ReserveBid(ctx, due.ID, buyer.ID, 500, now.Add(-time.Hour))
	require.NoError(t, err)

	live := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
	staleRes, err := store.ReserveBid(ctx, live.ID, buyer.ID, 600, now.Add(-25*time.Hour))
	require.NoError(t, err)

	result, err := worker.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.AuctionsClosed)
	assert.Equal(t, 1, result.BidsExpired)
	// The winning bid's invoice task sat unprocessed, so the same sweep
	// generated its invoice directly.
	assert.Equal(t, 1, result.InvoicesRecovered)

	closedItem, err := store.GetItem(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AuctionSold, closedItem.AuctionStatus)

	expired, err := store.GetBid(ctx, staleRes.Bid.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BidExpired, expired.Status)

	// A second sweep finds nothing: expiry released each hold exactly once.
	result2, err := worker.RunSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, result2.AuctionsClosed)
	assert.Zero(t, result2.BidsExpired)
	assert.Zero(t, result2.InvoicesRecovered)

	buyerAfter, err := store.GetUser(ctx, buyer.ID)
	require.NoError(t, err)
	// Only the winning bid on the closed auction still holds funds.
	assert.Equal(t, int64(500), buyerAfter.BalanceHoldSats)
}

func TestRunSweep_RecoversUninvoicedWonBid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	provider := &fakeProvider{}
	notifier := NewNotificationService(store, &LogDispatcher{})
	auction := NewAuctionService(store, notifier)
	worker := NewSettlementWorker(store, provider, notifier, auction, testSettlementConfig())

	seller := seedUser(t, store, 0, "")
	buyer := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))

	// Close straight through the store: the bid is WON but no invoice task
	// ever ran, as after a dropped task or a crash between close and task.
	bid := wonBid(t, store, item.ID, buyer.ID, 2000)

	result, err := worker.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.InvoicesRecovered)
	assert.Equal(t, 1, provider.createCalls())

	after, err := store.GetBid(ctx, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BidInvoiceGenerated, after.Status)
	assert.NotEmpty(t, after.InvoiceID)

	// Further sweeps leave the bid alone.
	result2, err := worker.RunSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, result2.InvoicesRecovered)
	assert.Equal(t, 1, provider.createCalls())
}

func TestRunSweep_FailsWonBidPastExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	provider := &fakeProvider{}
	notifier := NewNotificationService(store, &LogDispatcher{})
	auction := NewAuctionService(store, notifier)
	worker := NewSettlementWorker(store, provider, notifier, auction, testSettlementConfig())

	seller := seedUser(t, store, 0, "")
	buyer := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))

	// A bid reserved 25 hours ago is past its lifetime by the time the
	// auction closes; the sweep must not leave it WON without an invoice.
	_, err := store.ReserveBid(ctx, item.ID, buyer.ID, 2000, now.Add(-25*time.Hour))
	require.NoError(t, err)
	res, err := store.CloseAuction(ctx, item.ID, now)
	require.NoError(t, err)
	require.NotNil(t, res.Winning)

	result, err := worker.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.BidsExpired)
	assert.Zero(t, provider.createCalls(), "no invoice for a bid past its lifetime")

	after, err := store.GetBid(ctx, res.Winning.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BidFailedPayment, after.Status)
	assert.Empty(t, after.InvoiceID)

	buyerAfter, err := store.GetUser(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Zero(t, buyerAfter.BalanceHoldSats)
	assert.Equal(t, int64(10000), buyerAfter.BalanceSats)
}

func TestStateMachineTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sm := NewStateMachine(store)

	seller := seedUser(t, store, 0, "")
	buyer := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))

	res, err := store.ReserveBid(ctx, item.ID, buyer.ID, 500, now)
	require.NoError(t, err)

	bid, err := sm.Transition(ctx, res.Bid.ID, model.BidReleased)
	require.NoError(t, err)
	assert.Equal(t, model.BidReleased, bid.Status)

	// Terminal: no further edges.
	_, err = sm.Transition(ctx, res.Bid.ID, model.BidExpired)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)

	// Same-status request reports staleness, not success.
	_, err = sm.Transition(ctx, res.Bid.ID, model.BidReleased)
	assert.ErrorIs(t, err, repository.ErrStaleTransition)
}
