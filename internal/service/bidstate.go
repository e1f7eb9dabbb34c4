package service

import (
	"context"
	"errors"
	"time"

	"fitcheck-auction-api/internal/model"
	"fitcheck-auction-api/internal/repository"
)

// StateMachine applies bid status transitions against the store's
// compare-and-swap. A lost race re-reads the current status once: if the
// requested edge is still legal from the new status the swap is retried,
// otherwise ErrInvalidTransition surfaces.
type StateMachine struct {
	store repository.AuctionStore
}

// NewStateMachine creates a state machine over the given store.
func NewStateMachine(store repository.AuctionStore) *StateMachine {
	return &StateMachine{store: store}
}

// Transition moves a bid to the target status from whatever status it
// currently holds, provided the edge exists in the transition graph.
func (m *StateMachine) Transition(ctx context.Context, bidID string, to model.BidStatus) (*model.Bid, error) {
	for attempt := 0; attempt < 2; attempt++ {
		bid, err := m.store.GetBid(ctx, bidID)
		if err != nil {
			return nil, err
		}
		if bid.Status == to {
			return bid, repository.ErrStaleTransition
		}
		if !model.CanTransition(bid.Status, to) {
			return nil, repository.ErrInvalidTransition
		}

		updated, err := m.store.TransitionBid(ctx, bidID, bid.Status, to, time.Now().UTC())
		if errors.Is(err, repository.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, repository.ErrStaleTransition
}
