package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from, to BidStatus
	}{
		{BidReserved, BidWon},
		{BidReserved, BidReleased},
		{BidReserved, BidExpired},
		{BidWon, BidInvoiceGenerated},
		{BidWon, BidReleased},
		{BidWon, BidFailedPayment},
		{BidInvoiceGenerated, BidPaid},
		{BidInvoiceGenerated, BidFailedPayment},
		{BidInvoiceGenerated, BidExpired},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from, to BidStatus
	}{
		{BidReserved, BidPaid},
		{BidReserved, BidInvoiceGenerated},
		{BidReserved, BidFailedPayment},
		{BidWon, BidPaid},
		{BidWon, BidExpired},
		{BidInvoiceGenerated, BidWon},
		{BidInvoiceGenerated, BidReleased},
		{BidPaid, BidReleased},
		{BidReleased, BidReserved},
		{BidExpired, BidReserved},
		{BidFailedPayment, BidInvoiceGenerated},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	terminals := []BidStatus{BidPaid, BidReleased, BidExpired, BidFailedPayment}
	all := []BidStatus{BidReserved, BidWon, BidInvoiceGenerated, BidPaid, BidReleased, BidExpired, BidFailedPayment}

	for _, from := range terminals {
		assert.True(t, IsTerminal(from))
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "terminal %s must not transition to %s", from, to)
		}
	}

	for _, s := range []BidStatus{BidReserved, BidWon, BidInvoiceGenerated} {
		assert.False(t, IsTerminal(s))
	}
}

func TestHoldsFunds(t *testing.T) {
	holding := []BidStatus{BidReserved, BidWon, BidInvoiceGenerated}
	for _, s := range holding {
		b := Bid{Status: s}
		assert.True(t, b.HoldsFunds(), "%s should hold funds", s)
	}

	released := []BidStatus{BidPaid, BidReleased, BidExpired, BidFailedPayment}
	for _, s := range released {
		b := Bid{Status: s}
		assert.False(t, b.HoldsFunds(), "%s should not hold funds", s)
	}
}

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus(BidReserved))
	assert.True(t, ValidStatus(BidPaid))
	assert.False(t, ValidStatus(BidStatus("PENDING")))
	assert.False(t, ValidStatus(BidStatus("")))
}

func TestMinimumNextBid(t *testing.T) {
	item := Item{AuctionStartPrice: 1000}
	assert.Equal(t, int64(1001), item.MinimumNextBid())

	current := int64(1500)
	item.AuctionCurrentBid = &current
	assert.Equal(t, int64(1501), item.MinimumNextBid())
}

func TestAvailableSats(t *testing.T) {
	u := User{BalanceSats: 5000, BalanceHoldSats: 1500}
	assert.Equal(t, int64(3500), u.AvailableSats())
}
