package model

import "time"

// NotificationType identifies the event a notification is about.
type NotificationType string

const (
	NotifyOutbid          NotificationType = "outbid"
	NotifyAuctionWon      NotificationType = "auction_won"
	NotifyPaymentRequired NotificationType = "payment_required"
	NotifyPaymentReceived NotificationType = "payment_received"
	NotifyPaymentFailed   NotificationType = "payment_failed"
	NotifyItemSold        NotificationType = "item_sold"
	NotifyAuctionExpired  NotificationType = "auction_expired"
	NotifyPayoutCompleted NotificationType = "payout_completed"
	NotifyPayoutFailed    NotificationType = "payout_failed"
)

// Notification is an outbox row: "tell this user that X happened". The
// dispatcher owns rendering and delivery; DedupeKey is its at-least-once
// idempotency token.
type Notification struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Type         NotificationType  `json:"type"`
	ItemID       string            `json:"item_id,omitempty"`
	ActorID      string            `json:"actor_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DedupeKey    string            `json:"dedupe_key"`
	CreatedAt    time.Time         `json:"created_at"`
	DispatchedAt *time.Time        `json:"dispatched_at,omitempty"`
}
