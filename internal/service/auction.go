package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"fitcheck-auction-api/internal/model"
	"fitcheck-auction-api/internal/repository"
)

// InvoiceEnqueuer accepts settlement tasks produced by auction close.
// Implemented by the SettlementWorker; split out so the auction service is
// testable without a running worker.
type InvoiceEnqueuer interface {
	EnqueueInvoice(bidID string)
	EnqueuePayout(itemID string)
}

// AuctionService owns bid placement and auction close. All balance and
// status mutations happen inside the store's transactions; this layer adds
// task fan-out and notifications on top.
type AuctionService struct {
	store    repository.AuctionStore
	notifier *NotificationService
	tasks    InvoiceEnqueuer
}

// NewAuctionService creates a new auction service. tasks may be nil until
// the settlement worker is attached.
func NewAuctionService(store repository.AuctionStore, notifier *NotificationService) *AuctionService {
	return &AuctionService{store: store, notifier: notifier}
}

// AttachWorker wires the settlement worker in after construction. The
// worker needs the service for sweeps, so the two are linked post-build.
func (s *AuctionService) AttachWorker(tasks InvoiceEnqueuer) {
	s.tasks = tasks
}

// PlaceBid reserves a bid on an active auction. On success the previous
// high bidder, if any, has been released and is notified they were outbid.
// Returns repository.ErrAuctionNotActive, ErrBidTooLow or
// ErrInsufficientFunds for the rejection cases.
func (s *AuctionService) PlaceBid(ctx context.Context, itemID, userID string, amountSats int64) (*model.Bid, error) {
	res, err := s.store.ReserveBid(ctx, itemID, userID, amountSats, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	log.Printf("[AuctionService] Bid %s placed: item=%s user=%s amount=%d", res.Bid.ID, itemID, userID, amountSats)

	if res.Released != nil {
		if err := s.notifier.Notify(ctx, res.Released.UserID, model.NotifyOutbid, itemID, userID, map[string]string{
			"bid_id":      res.Released.ID,
			"amount_sats": strconv.FormatInt(amountSats, 10),
		}); err != nil {
			log.Printf("[AuctionService] Outbid notification failed for bid %s: %v", res.Released.ID, err)
		}
	}
	return res.Bid, nil
}

// CloseAuction finalizes a due auction. With a standing bid the item goes
// SOLD, the bid goes WON and invoice generation is enqueued; without one
// the item expires. Safe to call repeatedly.
func (s *AuctionService) CloseAuction(ctx context.Context, itemID string) (*repository.CloseResult, error) {
	res, err := s.store.CloseAuction(ctx, itemID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if res.AlreadyClosed {
		return res, nil
	}

	if res.Winning != nil {
		log.Printf("[AuctionService] Auction %s sold to %s for %d sats", itemID, res.Winning.UserID, res.Winning.AmountSats)

		meta := map[string]string{
			"bid_id":      res.Winning.ID,
			"amount_sats": strconv.FormatInt(res.Winning.AmountSats, 10),
		}
		if err := s.notifier.Notify(ctx, res.Winning.UserID, model.NotifyAuctionWon, itemID, res.Item.SellerID, meta); err != nil {
			log.Printf("[AuctionService] Winner notification failed for item %s: %v", itemID, err)
		}
		if err := s.notifier.Notify(ctx, res.Item.SellerID, model.NotifyItemSold, itemID, res.Winning.UserID, meta); err != nil {
			log.Printf("[AuctionService] Seller notification failed for item %s: %v", itemID, err)
		}

		if s.tasks != nil {
			s.tasks.EnqueueInvoice(res.Winning.ID)
		}
	} else {
		log.Printf("[AuctionService] Auction %s expired with no bids", itemID)
		if err := s.notifier.Notify(ctx, res.Item.SellerID, model.NotifyAuctionExpired, itemID, "", nil); err != nil {
			log.Printf("[AuctionService] Expiry notification failed for item %s: %v", itemID, err)
		}
	}
	return res, nil
}

// GetBid returns a bid by id.
func (s *AuctionService) GetBid(ctx context.Context, bidID string) (*model.Bid, error) {
	return s.store.GetBid(ctx, bidID)
}

// ListBids returns a user's bids, newest first.
func (s *AuctionService) ListBids(ctx context.Context, userID string) ([]*model.Bid, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	return s.store.ListBidsByUser(ctx, userID)
}

// GetItem returns an item's auction snapshot.
func (s *AuctionService) GetItem(ctx context.Context, itemID string) (*model.Item, error) {
	return s.store.GetItem(ctx, itemID)
}
