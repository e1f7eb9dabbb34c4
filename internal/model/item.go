package model

import "time"

// AuctionStatus is the state of an item's auction.
type AuctionStatus string

const (
	AuctionActive  AuctionStatus = "ACTIVE"
	AuctionSold    AuctionStatus = "SOLD"
	AuctionExpired AuctionStatus = "EXPIRED"
)

// Item carries the auction-relevant fields of a clothing item.
// Only the auction ledger mutates these; the seller owns the row.
type Item struct {
	ID                     string        `json:"id"`
	SellerID               string        `json:"seller_id"`
	Name                   string        `json:"name"`
	AuctionStatus          AuctionStatus `json:"auction_status"`
	AuctionStartPrice      int64         `json:"auction_start_price"`
	AuctionCurrentBid      *int64        `json:"auction_current_bid,omitempty"`
	AuctionCurrentBidderID string        `json:"auction_current_bidder_id,omitempty"`
	AuctionEndsAt          time.Time     `json:"auction_ends_at"`
	CreatedAt              time.Time     `json:"created_at"`

	// PayoutID is the provider payment id of the completed seller payout.
	// Non-empty means the payout task must not run again.
	PayoutID string     `json:"payout_id,omitempty"`
	PayoutAt *time.Time `json:"payout_at,omitempty"`
}

// MinimumNextBid returns the lowest amount that would be accepted as the next
// bid. Ties with the current high bid are rejected, so the floor is strict.
func (i *Item) MinimumNextBid() int64 {
	if i.AuctionCurrentBid != nil {
		return *i.AuctionCurrentBid + 1
	}
	return i.AuctionStartPrice + 1
}
