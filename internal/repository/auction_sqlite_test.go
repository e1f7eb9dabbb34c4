package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"fitcheck-auction-api/internal/model"
	"fitcheck-auction-api/pkg/uid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteAuctionStore {
	t.Helper()
	store, err := NewSQLiteAuctionStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedUser(t *testing.T, store *SQLiteAuctionStore, balance int64) *model.User {
	t.Helper()
	u := &model.User{
		ID:               uid.New(),
		Username:         "user-" + uid.New()[:8],
		Email:            "user@example.com",
		LightningAddress: "user@ln.example.com",
		BalanceSats:      balance,
	}
	require.NoError(t, store.CreateUser(context.Background(), u))
	return u
}

func seedItem(t *testing.T, store *SQLiteAuctionStore, sellerID string, startPrice int64, endsAt time.Time) *model.Item {
	t.Helper()
	it := &model.Item{
		ID:                uid.New(),
		SellerID:          sellerID,
		Name:              "vintage jacket",
		AuctionStatus:     model.AuctionActive,
		AuctionStartPrice: startPrice,
		AuctionEndsAt:     endsAt,
	}
	require.NoError(t, store.CreateItem(context.Background(), it))
	return it
}

func TestReserveBid_HappyPathAndOutbid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := seedUser(t, store, 0)
	alice := seedUser(t, store, 10000)
	bob := seedUser(t, store, 10000)
	item := seedItem(t, store, seller.ID, 1000, now.Add(time.Hour))

	// Alice opens at 1500.
	res, err := store.ReserveBid(ctx, item.ID, alice.ID, 1500, now)
	require.NoError(t, err)
	require.Nil(t, res.Released)
	assert.Equal(t, model.BidReserved, res.Bid.Status)
	assert.Equal(t, int64(1500), res.Bid.AmountSats)

	aliceAfter, err := store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), aliceAfter.BalanceHoldSats)

	// Bob at 1400 is not strictly greater than the current 1500.
	_, err = store.ReserveBid(ctx, item.ID, bob.ID, 1400, now)
	assert.ErrorIs(t, err, ErrBidTooLow)

	// Bob at 1600 displaces Alice.
	res2, err := store.ReserveBid(ctx, item.ID, bob.ID, 1600, now)
	require.NoError(t, err)
	require.NotNil(t, res2.Released)
	assert.Equal(t, res.Bid.ID, res2.Released.ID)
	assert.Equal(t, model.BidReleased, res2.Released.Status)

	// Alice's hold is released, Bob's is placed, balances untouched.
	aliceAfter, err = store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), aliceAfter.BalanceHoldSats)
	assert.Equal(t, int64(10000), aliceAfter.BalanceSats)

	bobAfter, err := store.GetUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), bobAfter.BalanceHoldSats)

	// Item snapshot follows the high bid.
	itemAfter, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, itemAfter.AuctionCurrentBid)
	assert.Equal(t, int64(1600), *itemAfter.AuctionCurrentBid)
	assert.Equal(t, bob.ID, itemAfter.AuctionCurrentBidderID)
}

func TestReserveBid_Rejections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := seedUser(t, store, 0)
	buyer := seedUser(t, store, 2000)
	item := seedItem(t, store, seller.ID, 1000, now.Add(time.Hour))

	t.Run("equal to start price", func(t *testing.T) {
		_, err := store.ReserveBid(ctx, item.ID, buyer.ID, 1000, now)
		assert.ErrorIs(t, err, ErrBidTooLow)
	})

	t.Run("insufficient available balance", func(t *testing.T) {
		_, err := store.ReserveBid(ctx, item.ID, buyer.ID, 2500, now)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	})

	t.Run("hold counts against balance", func(t *testing.T) {
		_, err := store.ReserveBid(ctx, item.ID, buyer.ID, 1200, now)
		require.NoError(t, err)

		other := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
		// 2000 - 1200 held = 800 available, 900 should fail.
		_, err = store.ReserveBid(ctx, other.ID, buyer.ID, 900, now)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	})

	t.Run("missing item", func(t *testing.T) {
		_, err := store.ReserveBid(ctx, "no-such-item", buyer.ID, 1500, now)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("closed auction", func(t *testing.T) {
		closed := seedItem(t, store, seller.ID, 100, now.Add(-time.Minute))
		_, err := store.CloseAuction(ctx, closed.ID, now)
		require.NoError(t, err)

		_, err = store.ReserveBid(ctx, closed.ID, buyer.ID, 500, now)
		assert.ErrorIs(t, err, ErrAuctionNotActive)
	})
}

func TestReserveBid_ConcurrentSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := seedUser(t, store, 0)
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))

	const bidders = 16
	users := make([]*model.User, bidders)
	for i := range users {
		users[i] = seedUser(t, store, 100000)
	}

	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			amount := int64(1000 + i) // distinct amounts, many will lose the race
			_, _ = store.ReserveBid(ctx, item.ID, userID, amount, now)
		}(i, u.ID)
	}
	wg.Wait()

	res, err := store.CloseAuction(ctx, item.ID, now)
	require.NoError(t, err)
	require.NotNil(t, res.Winning)
	assert.Equal(t, model.AuctionSold, res.Item.AuctionStatus)

	// Exactly one bid is WON; everyone else holds nothing.
	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	byStatus := stats["bids_by_status"].(map[string]int64)
	assert.Equal(t, int64(1), byStatus[string(model.BidWon)])
	assert.Zero(t, byStatus[string(model.BidReserved)])

	winner := res.Winning.UserID
	for _, u := range users {
		after, err := store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		if u.ID == winner {
			assert.Equal(t, res.Winning.AmountSats, after.BalanceHoldSats)
		} else {
			assert.Zero(t, after.BalanceHoldSats, "losing bidder %s still holds funds", u.ID)
		}
	}
}

func TestCloseAuction_NoBidsAndIdempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := seedUser(t, store, 0)
	item := seedItem(t, store, seller.ID, 1000, now.Add(-time.Minute))

	res, err := store.CloseAuction(ctx, item.ID, now)
	require.NoError(t, err)
	assert.Nil(t, res.Winning)
	assert.Equal(t, model.AuctionExpired, res.Item.AuctionStatus)

	// Second close is a no-op.
	res2, err := store.CloseAuction(ctx, item.ID, now)
	require.NoError(t, err)
	assert.True(t, res2.AlreadyClosed)
}

func TestTransitionBid_CASAndHoldRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := seedUser(t, store, 0)
	buyer := seedUser(t, store, 5000)
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))

	res, err := store.ReserveBid(ctx, item.ID, buyer.ID, 1000, now)
	require.NoError(t, err)
	bidID := res.Bid.ID

	t.Run("invalid edge rejected", func(t *testing.T) {
		_, err := store.TransitionBid(ctx, bidID, model.BidReserved, model.BidPaid, now)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("stale from-status detected", func(t *testing.T) {
		_, err := store.TransitionBid(ctx, bidID, model.BidWon, model.BidInvoiceGenerated, now)
		assert.ErrorIs(t, err, ErrStaleTransition)
	})

	t.Run("expire releases hold once", func(t *testing.T) {
		_, err := store.ExpireBid(ctx, bidID, model.BidReserved, now)
		require.NoError(t, err)

		after, err := store.GetUser(ctx, buyer.ID)
		require.NoError(t, err)
		assert.Zero(t, after.BalanceHoldSats)
		assert.Equal(t, int64(5000), after.BalanceSats)

		// Replayed expiry must not release again.
		_, err = store.ExpireBid(ctx, bidID, model.BidReserved, now)
		assert.ErrorIs(t, err, ErrStaleTransition)

		after, err = store.GetUser(ctx, buyer.ID)
		require.NoError(t, err)
		assert.Zero(t, after.BalanceHoldSats)
	})
}

func wonBid(t *testing.T, store *SQLiteAuctionStore, itemID, userID string, amount int64) *model.Bid {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	res, err := store.ReserveBid(ctx, itemID, userID, amount, now)
	require.NoError(t, err)
	closeRes, err := store.CloseAuction(ctx, itemID, now)
	require.NoError(t, err)
	require.NotNil(t, closeRes.Winning)
	require.Equal(t, res.Bid.ID, closeRes.Winning.ID)
	return closeRes.Winning
}

func TestSettleBid_FullLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := seedUser(t, store, 0)
	buyer := seedUser(t, store, 5000)
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
	bid := wonBid(t, store, item.ID, buyer.ID, 2000)

	expiry := now.Add(24 * time.Hour)
	attached, err := store.AttachInvoice(ctx, bid.ID, InvoiceAttachment{
		InvoiceID:      "inv-123",
		EncodedInvoice: "lnbc2000...",
		ExpiresAt:      expiry,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, model.BidInvoiceGenerated, attached.Status)
	assert.Equal(t, "inv-123", attached.InvoiceID)

	byInvoice, err := store.GetBidByInvoiceID(ctx, "inv-123")
	require.NoError(t, err)
	assert.Equal(t, bid.ID, byInvoice.ID)

	settled, err := store.SettleBid(ctx, bid.ID, "pay-9", "preimage-abc", now)
	require.NoError(t, err)
	assert.Equal(t, model.BidPaid, settled.Status)
	assert.Equal(t, "pay-9", settled.PaymentID)
	assert.Equal(t, "preimage-abc", settled.Preimage)

	// Funds captured: balance and hold both drop by the bid amount.
	buyerAfter, err := store.GetUser(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), buyerAfter.BalanceSats)
	assert.Zero(t, buyerAfter.BalanceHoldSats)

	// Replayed settle is reported, not applied.
	again, err := store.SettleBid(ctx, bid.ID, "pay-9", "preimage-abc", now)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	require.NotNil(t, again)
	assert.Equal(t, model.BidPaid, again.Status)

	buyerAfter, err = store.GetUser(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), buyerAfter.BalanceSats)
}

func TestSettleBid_RequiresInvoice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := seedUser(t, store, 0)
	buyer := seedUser(t, store, 5000)
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))

	res, err := store.ReserveBid(ctx, item.ID, buyer.ID, 500, now)
	require.NoError(t, err)

	_, err = store.SettleBid(ctx, res.Bid.ID, "pay-1", "", now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecordPayout_Once(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := seedUser(t, store, 0)
	item := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))

	require.NoError(t, store.RecordPayout(ctx, item.ID, "payout-1", now))
	assert.ErrorIs(t, store.RecordPayout(ctx, item.ID, "payout-2", now), ErrPayoutRecorded)

	after, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "payout-1", after.PayoutID)
}

func TestDueItemsAndStaleBids(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := seedUser(t, store, 0)
	buyer := seedUser(t, store, 100000)

	due := seedItem(t, store, seller.ID, 100, now.Add(-time.Minute))
	seedItem(t, store, seller.ID, 100, now.Add(time.Hour)) // not due

	ids, err := store.DueItemIDs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{due.ID}, ids)

	// A reserved bid becomes stale once past its TTL.
	active := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
	res, err := store.ReserveBid(ctx, active.ID, buyer.ID, 500, now.Add(-25*time.Hour))
	require.NoError(t, err)

	stale, err := store.StaleBids(ctx, now)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, res.Bid.ID, stale[0].ID)

	// An INVOICE_GENERATED bid with an expired invoice is stale too.
	won := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
	wb := wonBid(t, store, won.ID, buyer.ID, 700)
	_, err = store.AttachInvoice(ctx, wb.ID, InvoiceAttachment{
		InvoiceID:      "inv-stale",
		EncodedInvoice: "lnbc700...",
		ExpiresAt:      now.Add(-time.Minute),
	}, now)
	require.NoError(t, err)

	stale, err = store.StaleBids(ctx, now)
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestNotificationOutbox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := seedUser(t, store, 0)
	n := &model.Notification{
		ID:        uid.New(),
		UserID:    user.ID,
		Type:      model.NotifyOutbid,
		ItemID:    "item-1",
		Metadata:  map[string]string{"amount_sats": "1600"},
		DedupeKey: "OUTBID:bid-1",
	}
	require.NoError(t, store.InsertNotification(ctx, n))

	// Same dedupe key is rejected.
	dup := *n
	dup.ID = uid.New()
	assert.ErrorIs(t, store.InsertNotification(ctx, &dup), ErrDuplicateIntent)

	pending, err := store.UndispatchedNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "1600", pending[0].Metadata["amount_sats"])

	require.NoError(t, store.MarkNotificationDispatched(ctx, n.ID, now))
	pending, err = store.UndispatchedNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListBidsByUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := seedUser(t, store, 0)
	buyer := seedUser(t, store, 100000)
	a := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))
	b := seedItem(t, store, seller.ID, 100, now.Add(time.Hour))

	_, err := store.ReserveBid(ctx, a.ID, buyer.ID, 500, now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = store.ReserveBid(ctx, b.ID, buyer.ID, 600, now)
	require.NoError(t, err)

	bids, err := store.ListBidsByUser(ctx, buyer.ID)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Equal(t, int64(600), bids[0].AmountSats) // newest first

	none, err := store.ListBidsByUser(ctx, seller.ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}
