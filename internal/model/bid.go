package model

import "time"

// BidStatus is the lifecycle state of a bid.
type BidStatus string

const (
	// BidReserved: accepted as the current highest bid, funds on hold.
	BidReserved BidStatus = "RESERVED"
	// BidWon: auction closed with this bid on top; awaiting invoice.
	BidWon BidStatus = "WON"
	// BidReleased: superseded by a higher bid, hold released.
	BidReleased BidStatus = "RELEASED"
	// BidExpired: swept after expires_at without a completed payment.
	BidExpired BidStatus = "EXPIRED"
	// BidInvoiceGenerated: a Lightning invoice exists for this bid.
	BidInvoiceGenerated BidStatus = "INVOICE_GENERATED"
	// BidPaid: invoice settled, funds captured.
	BidPaid BidStatus = "PAID"
	// BidFailedPayment: payment failed or invoice generation exhausted retries.
	BidFailedPayment BidStatus = "FAILED_PAYMENT"
)

// bidTransitions is the canonical transition graph. Terminal states map to nil.
var bidTransitions = map[BidStatus][]BidStatus{
	BidReserved:         {BidWon, BidReleased, BidExpired},
	BidWon:              {BidInvoiceGenerated, BidReleased, BidFailedPayment},
	BidInvoiceGenerated: {BidPaid, BidFailedPayment, BidExpired},
	BidPaid:             nil,
	BidReleased:         nil,
	BidExpired:          nil,
	BidFailedPayment:    nil,
}

// CanTransition reports whether moving a bid from one status to another is a
// legal edge of the transition graph.
func CanTransition(from, to BidStatus) bool {
	for _, allowed := range bidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(s BidStatus) bool {
	allowed, known := bidTransitions[s]
	return known && len(allowed) == 0
}

// ValidStatus reports whether s is a known bid status.
func ValidStatus(s BidStatus) bool {
	_, ok := bidTransitions[s]
	return ok
}

// DefaultBidTTL is how long a bid stays payable after creation.
const DefaultBidTTL = 24 * time.Hour

// Bid represents a bid on an auctioned item, denominated in satoshis.
// Rows are never deleted; terminal statuses are retained for audit.
type Bid struct {
	ID              string    `json:"id"`
	ItemID          string    `json:"item_id"`
	UserID          string    `json:"user_id"`
	AmountSats      int64     `json:"amount_sats"`
	Status          BidStatus `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	StatusUpdatedAt time.Time `json:"status_updated_at"`

	// Invoice fields, populated once an invoice has been generated.
	EncodedInvoice   string     `json:"encoded_invoice,omitempty"`
	InvoiceID        string     `json:"invoice_id,omitempty"`
	InvoiceExpiresAt *time.Time `json:"invoice_expires_at,omitempty"`
	PaymentID        string     `json:"payment_id,omitempty"`
	Preimage         string     `json:"preimage,omitempty"`
}

// HoldsFunds reports whether the bid currently has a balance hold against its
// bidder. Holds exist from reservation until a terminal release point.
func (b *Bid) HoldsFunds() bool {
	switch b.Status {
	case BidReserved, BidWon, BidInvoiceGenerated:
		return true
	}
	return false
}
