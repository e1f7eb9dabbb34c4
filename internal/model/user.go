package model

import "time"

// User carries the balance fields the auction core needs. Profile and social
// data live outside this service.
type User struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	LightningAddress string    `json:"lightning_address,omitempty"`
	BalanceSats      int64     `json:"balance_sats"`
	BalanceHoldSats  int64     `json:"balance_hold_sats"`
	CreatedAt        time.Time `json:"created_at"`
}

// AvailableSats is the balance usable for new bids: total minus active holds.
func (u *User) AvailableSats() int64 {
	return u.BalanceSats - u.BalanceHoldSats
}
