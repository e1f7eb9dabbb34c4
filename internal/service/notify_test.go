package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fitcheck-auction-api/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDispatcher fails the first failures dispatches, then succeeds.
type flakyDispatcher struct {
	mu       sync.Mutex
	failures int
	seen     []string
}

func (d *flakyDispatcher) Dispatch(ctx context.Context, n *model.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return errors.New("broker unavailable")
	}
	d.seen = append(d.seen, n.DedupeKey)
	return nil
}

func TestNotify_DedupesByKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := &flakyDispatcher{}
	svc := NewNotificationService(store, d)
	user := seedUser(t, store, 0, "")

	meta := map[string]string{"bid_id": "bid-1"}
	require.NoError(t, svc.Notify(ctx, user.ID, model.NotifyOutbid, "item-1", "", meta))
	require.NoError(t, svc.Notify(ctx, user.ID, model.NotifyOutbid, "item-1", "", meta))

	assert.Len(t, d.seen, 1, "duplicate intent must not dispatch twice")
	assert.Equal(t, "outbid:bid-1", d.seen[0])
}

func TestNotify_KeysOnItemWithoutBid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := &flakyDispatcher{}
	svc := NewNotificationService(store, d)
	user := seedUser(t, store, 0, "")

	require.NoError(t, svc.Notify(ctx, user.ID, model.NotifyAuctionExpired, "item-9", "", nil))
	require.Len(t, d.seen, 1)
	assert.Equal(t, "auction_expired:item-9", d.seen[0])
}

func TestNotify_FailedDispatchStaysPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := &flakyDispatcher{failures: 1}
	svc := NewNotificationService(store, d)
	user := seedUser(t, store, 0, "")

	require.NoError(t, svc.Notify(ctx, user.ID, model.NotifyPaymentReceived, "item-2", "", map[string]string{"bid_id": "bid-2"}))
	assert.Empty(t, d.seen)

	pending, err := store.UndispatchedNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// The sweep path picks it up later.
	n, err := svc.RedispatchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"payment_received:bid-2"}, d.seen)

	pending, err = store.UndispatchedNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPlaceBid_NotifiesDisplacedBidder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	d := &flakyDispatcher{}
	notifier := NewNotificationService(store, d)
	auction := NewAuctionService(store, notifier)

	seller := seedUser(t, store, 0, "")
	alice := seedUser(t, store, 10000, "")
	bob := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 1000, now.Add(time.Hour))

	first, err := auction.PlaceBid(ctx, item.ID, alice.ID, 1500)
	require.NoError(t, err)
	assert.Empty(t, d.seen, "opening bid displaces nobody")

	_, err = auction.PlaceBid(ctx, item.ID, bob.ID, 1600)
	require.NoError(t, err)

	require.Len(t, d.seen, 1)
	assert.Equal(t, "outbid:"+first.ID, d.seen[0])
}

func TestCloseAuction_NotifiesAndEnqueues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	d := &flakyDispatcher{}
	notifier := NewNotificationService(store, d)
	auction := NewAuctionService(store, notifier)
	tasks := &captureEnqueuer{}
	auction.AttachWorker(tasks)

	seller := seedUser(t, store, 0, "")
	buyer := seedUser(t, store, 10000, "")
	item := seedItem(t, store, seller.ID, 100, now.Add(-time.Minute))

	bid, err := auction.PlaceBid(ctx, item.ID, buyer.ID, 500)
	require.NoError(t, err)

	res, err := auction.CloseAuction(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Winning)

	assert.Equal(t, []string{bid.ID}, tasks.invoices)
	assert.Contains(t, d.seen, "auction_won:"+bid.ID)
	assert.Contains(t, d.seen, "item_sold:"+bid.ID)

	// Idempotent close does not re-enqueue or re-notify.
	_, err = auction.CloseAuction(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, tasks.invoices, 1)
}
