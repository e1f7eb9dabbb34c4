package repository

import (
	"context"
	"errors"
	"time"

	"fitcheck-auction-api/internal/model"
)

// Validation and integrity errors surfaced by store operations. Callers match
// with errors.Is and map them to API responses; none of these are retryable.
var (
	ErrNotFound          = errors.New("not found")
	ErrAuctionNotActive  = errors.New("auction not active")
	ErrBidTooLow         = errors.New("bid too low")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransition = errors.New("invalid bid status transition")
	// ErrStaleTransition means a compare-and-swap lost a race: the bid's status
	// changed between read and write. Re-read and decide again.
	ErrStaleTransition = errors.New("stale bid status")
	// ErrAlreadySettled means the bid is already PAID. Webhook redeliveries
	// hit this and treat it as a no-op.
	ErrAlreadySettled  = errors.New("bid already settled")
	ErrPayoutRecorded  = errors.New("payout already recorded")
	ErrDuplicateIntent = errors.New("duplicate notification intent")
)

// ReserveResult is the outcome of an accepted bid placement.
type ReserveResult struct {
	// Bid is the newly created RESERVED bid.
	Bid *model.Bid
	// Released is the previous current bidder's bid, transitioned to RELEASED
	// with its hold returned. Nil when this is the first bid on the item.
	Released *model.Bid
}

// CloseResult is the outcome of closing an item's auction.
type CloseResult struct {
	Item *model.Item
	// Winning is the bid moved RESERVED → WON. Nil when the auction expired
	// with no bids.
	Winning *model.Bid
	// AlreadyClosed is true when the item was not ACTIVE and nothing changed.
	AlreadyClosed bool
}

// InvoiceAttachment carries the provider-issued invoice artifacts stored on a
// bid when it moves WON → INVOICE_GENERATED.
type InvoiceAttachment struct {
	InvoiceID      string
	EncodedInvoice string
	ExpiresAt      time.Time
}

// AuctionStore is the persistence boundary for all money-bearing state: items'
// auction fields, bids, user balance holds, and the notification outbox.
//
// Every mutating method executes as a single atomic unit. Bid acceptance is
// serialized per item; bid status writes are compare-and-swap on the current
// status so racing callers cannot both succeed.
type AuctionStore interface {
	// Reads.
	GetItem(ctx context.Context, id string) (*model.Item, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetBid(ctx context.Context, id string) (*model.Bid, error)
	// GetBidByInvoiceID looks a bid up by the provider-assigned invoice id
	// persisted at invoice-creation time. Indexed; used by webhook
	// reconciliation.
	GetBidByInvoiceID(ctx context.Context, invoiceID string) (*model.Bid, error)
	ListBidsByUser(ctx context.Context, userID string) ([]*model.Bid, error)

	// Item and user rows are created by the wardrobe/profile services; these
	// exist for bootstrap and tests.
	CreateUser(ctx context.Context, u *model.User) error
	CreateItem(ctx context.Context, it *model.Item) error

	// ReserveBid runs the whole bid-acceptance unit atomically: validate the
	// auction is ACTIVE, the amount strictly exceeds the current bid (or start
	// price), and the bidder's available balance covers it; insert the
	// RESERVED bid; place the hold; update the item's current bid fields; and
	// release the previous current bidder's bid and hold.
	ReserveBid(ctx context.Context, itemID, userID string, amountSats int64, now time.Time) (*ReserveResult, error)

	// CloseAuction finalizes a due auction: with a current bidder the winning
	// bid moves RESERVED → WON and the item to SOLD, otherwise the item moves
	// to EXPIRED. Idempotent: closing a non-ACTIVE item reports AlreadyClosed.
	CloseAuction(ctx context.Context, itemID string, now time.Time) (*CloseResult, error)

	// TransitionBid compare-and-swaps a bid's status from from to to,
	// stamping status_updated_at. ErrInvalidTransition when the edge is not in
	// the transition graph; ErrStaleTransition when the row no longer holds
	// from.
	TransitionBid(ctx context.Context, bidID string, from, to model.BidStatus, now time.Time) (*model.Bid, error)

	// AttachInvoice moves a WON bid to INVOICE_GENERATED and stores the
	// provider invoice artifacts in the same write.
	AttachInvoice(ctx context.Context, bidID string, inv InvoiceAttachment, now time.Time) (*model.Bid, error)

	// SettleBid moves an INVOICE_GENERATED bid to PAID, records the settlement
	// proof, and captures the bidder's funds (balance and hold both reduced).
	// ErrAlreadySettled when the bid is already PAID.
	SettleBid(ctx context.Context, bidID, paymentID, preimage string, now time.Time) (*model.Bid, error)

	// ExpireBid moves a bid from from (RESERVED or INVOICE_GENERATED) to
	// EXPIRED and releases its hold exactly once.
	ExpireBid(ctx context.Context, bidID string, from model.BidStatus, now time.Time) (*model.Bid, error)

	// FailBid moves a bid from from to FAILED_PAYMENT and releases its hold.
	FailBid(ctx context.Context, bidID string, from model.BidStatus, now time.Time) (*model.Bid, error)

	// DueItemIDs lists ACTIVE items whose auction_ends_at has passed.
	DueItemIDs(ctx context.Context, now time.Time) ([]string, error)
	// StaleBids lists RESERVED or INVOICE_GENERATED bids past their expiry.
	StaleBids(ctx context.Context, now time.Time) ([]*model.Bid, error)
	// UninvoicedWonBids lists WON bids that never got an invoice attached,
	// so the sweep can retry generation or fail the ones past expiry.
	UninvoicedWonBids(ctx context.Context) ([]*model.Bid, error)

	// RecordPayout stores the provider payment id of a completed seller
	// payout. ErrPayoutRecorded when one already exists for the item.
	RecordPayout(ctx context.Context, itemID, payoutID string, now time.Time) error

	// Notification outbox. InsertNotification returns ErrDuplicateIntent when
	// the dedupe key already exists.
	InsertNotification(ctx context.Context, n *model.Notification) error
	MarkNotificationDispatched(ctx context.Context, id string, now time.Time) error
	UndispatchedNotifications(ctx context.Context, limit int) ([]*model.Notification, error)

	// GetStats returns operational counters for the admin endpoint.
	GetStats(ctx context.Context) (map[string]interface{}, error)

	// Close closes the underlying connection.
	Close() error
}
