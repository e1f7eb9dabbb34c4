package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"fitcheck-auction-api/internal/model"
	"fitcheck-auction-api/internal/repository"
	"fitcheck-auction-api/internal/service"
	"fitcheck-auction-api/pkg/apierror"
	"fitcheck-auction-api/pkg/response"

	"github.com/go-chi/chi/v5"
)

// BidHandler handles bid-related HTTP requests.
type BidHandler struct {
	auctionService *service.AuctionService
}

// NewBidHandler creates a new bid handler.
func NewBidHandler(auctionService *service.AuctionService) *BidHandler {
	return &BidHandler{
		auctionService: auctionService,
	}
}

// CreateBidRequest is the body of POST /api/v1/bids.
type CreateBidRequest struct {
	ItemID     string `json:"item_id"`
	UserID     string `json:"user_id"`
	AmountSats int64  `json:"amount_sats"`
}

// CreateBid handles POST /api/v1/bids
func (h *BidHandler) CreateBid(w http.ResponseWriter, r *http.Request) {
	var req CreateBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid JSON"))
		return
	}
	defer r.Body.Close()

	var details []apierror.FieldError
	if req.ItemID == "" {
		details = append(details, apierror.FieldError{Field: "item_id", Message: "required"})
	}
	if req.UserID == "" {
		details = append(details, apierror.FieldError{Field: "user_id", Message: "required"})
	}
	if req.AmountSats <= 0 {
		details = append(details, apierror.FieldError{Field: "amount_sats", Message: "must be positive"})
	}
	if len(details) > 0 {
		response.Error(w, apierror.ValidationError("invalid bid request", details...))
		return
	}

	bid, err := h.auctionService.PlaceBid(r.Context(), req.ItemID, req.UserID, req.AmountSats)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			response.Error(w, apierror.NotFound("item or user not found"))
		case errors.Is(err, repository.ErrAuctionNotActive):
			response.Error(w, apierror.Conflict("auction is not active"))
		case errors.Is(err, repository.ErrBidTooLow):
			response.Error(w, apierror.Conflict("bid must be strictly greater than the current bid"))
		case errors.Is(err, repository.ErrInsufficientFunds):
			response.Error(w, apierror.PaymentRequired("insufficient available balance"))
		default:
			response.Error(w, err)
		}
		return
	}

	response.Created(w, bid)
}

// GetBid handles GET /api/v1/bids/{id}
func (h *BidHandler) GetBid(w http.ResponseWriter, r *http.Request) {
	bidID := chi.URLParam(r, "id")
	if bidID == "" {
		response.Error(w, apierror.BadRequest("bid id is required"))
		return
	}

	bid, err := h.auctionService.GetBid(r.Context(), bidID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.Error(w, apierror.NotFound("bid not found"))
			return
		}
		response.Error(w, err)
		return
	}

	response.OK(w, bid)
}

// ListBids handles GET /api/v1/bids?user_id=
func (h *BidHandler) ListBids(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		response.Error(w, apierror.BadRequest("user_id query parameter is required"))
		return
	}

	bids, err := h.auctionService.ListBids(r.Context(), userID)
	if err != nil {
		response.Error(w, err)
		return
	}

	if bids == nil {
		bids = []*model.Bid{}
	}
	response.OK(w, bids)
}

// GetItem handles GET /api/v1/items/{id}
func (h *BidHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")
	if itemID == "" {
		response.Error(w, apierror.BadRequest("item id is required"))
		return
	}

	item, err := h.auctionService.GetItem(r.Context(), itemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.Error(w, apierror.NotFound("item not found"))
			return
		}
		response.Error(w, err)
		return
	}

	response.OK(w, item)
}
