package orders

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gridpool/vpp-market-api/internal/auth"
	"github.com/gridpool/vpp-market-api/internal/types"
	"github.com/gridpool/vpp-market-api/pkg/response"
)

// Service handles offer and bid intake for market participants
type Service struct {
	db *Database
}

// NewService creates a new order intake service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// validateOffer rejects a malformed offer before it can enter the order store.
func validateOffer(offer *types.Offer) error {
	if offer.Timestamp == "" {
		return types.NewValidationError("timestamp", "must not be empty")
	}
	if offer.SellerID == "" {
		return types.NewValidationError("seller_id", "must not be empty")
	}
	if !offer.AmountKwh.IsPositive() {
		return types.NewValidationError("amount_kwh", "must be greater than zero")
	}
	if !offer.PricePerKwh.IsPositive() {
		return types.NewValidationError("price_per_kwh", "must be greater than zero")
	}
	return nil
}

// validateBid rejects a malformed bid before it can enter the order store.
func validateBid(bid *types.Bid) error {
	if bid.Timestamp == "" {
		return types.NewValidationError("timestamp", "must not be empty")
	}
	if bid.BuyerID == "" {
		return types.NewValidationError("buyer_id", "must not be empty")
	}
	if !bid.AmountKwh.IsPositive() {
		return types.NewValidationError("amount_kwh", "must be greater than zero")
	}
	if !bid.MaxPricePerKwh.IsPositive() {
		return types.NewValidationError("max_price_per_kwh", "must be greater than zero")
	}
	return nil
}

// CreateOffer validates and stores a new sell offer with idempotency support.
// A repeated request with the same idempotency key returns the existing offer.
func (s *Service) CreateOffer(offer *types.Offer, idempotencyKey string) error {
	if err := validateOffer(offer); err != nil {
		return err
	}

	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err == nil && record != nil && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetOffer(record.ResourceID)
		if err != nil {
			return err
		}
		if existing == nil {
			return errors.New("offer not found")
		}
		*offer = *existing
		return nil
	}

	offer.OfferID = "OFR_" + uuid.New().String()
	offer.Status = types.StatusActive
	offer.CreatedAt = time.Now()
	offer.UpdatedAt = time.Now()

	return s.db.CreateOfferWithIdempotency(offer, idempotencyKey)
}

// CreateBid validates and stores a new buy bid with idempotency support.
func (s *Service) CreateBid(bid *types.Bid, idempotencyKey string) error {
	if err := validateBid(bid); err != nil {
		return err
	}

	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err == nil && record != nil && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetBid(record.ResourceID)
		if err != nil {
			return err
		}
		if existing == nil {
			return errors.New("bid not found")
		}
		*bid = *existing
		return nil
	}

	bid.BidID = "BID_" + uuid.New().String()
	bid.Status = types.StatusActive
	bid.CreatedAt = time.Now()
	bid.UpdatedAt = time.Now()

	return s.db.CreateBidWithIdempotency(bid, idempotencyKey)
}

// GetOfferBySeller retrieves an offer scoped to its owning seller
func (s *Service) GetOfferBySeller(offerID, sellerID string) (*types.Offer, error) {
	return s.db.GetOfferByIDAndSeller(offerID, sellerID)
}

// GetBidByBuyer retrieves a bid scoped to its owning buyer
func (s *Service) GetBidByBuyer(bidID, buyerID string) (*types.Bid, error) {
	return s.db.GetBidByIDAndBuyer(bidID, buyerID)
}

// CancelOffer cancels an offer that has not reached a terminal state.
// Cancellation is the only status change not driven by the matching engine.
func (s *Service) CancelOffer(offerID, sellerID string) (*types.Offer, error) {
	offer, err := s.db.GetOfferByIDAndSeller(offerID, sellerID)
	if err != nil || offer == nil {
		return nil, err
	}
	if types.IsTerminalStatus(offer.Status) {
		return nil, types.NewValidationError("status", "offer is already "+offer.Status)
	}

	offer.Status = types.StatusCancelled
	offer.UpdatedAt = time.Now()
	if err := s.db.UpdateOffer(offer); err != nil {
		return nil, err
	}
	return offer, nil
}

// CancelBid cancels a bid that has not reached a terminal state.
func (s *Service) CancelBid(bidID, buyerID string) (*types.Bid, error) {
	bid, err := s.db.GetBidByIDAndBuyer(bidID, buyerID)
	if err != nil || bid == nil {
		return nil, err
	}
	if types.IsTerminalStatus(bid.Status) {
		return nil, types.NewValidationError("status", "bid is already "+bid.Status)
	}

	bid.Status = types.StatusCancelled
	bid.UpdatedAt = time.Now()
	if err := s.db.UpdateBid(bid); err != nil {
		return nil, err
	}
	return bid, nil
}

// GinHandlers contains HTTP handlers for offer and bid endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOfferHandler handles POST requests to post new sell offers
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) CreateOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var offer types.Offer
		if err := c.ShouldBindJSON(&offer); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		offer.SellerID = participantID(c, offer.SellerID)

		if err := h.service.CreateOffer(&offer, idempotencyKey); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, offer)
	}
}

// CreateBidHandler handles POST requests to post new buy bids
func (h *GinHandlers) CreateBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var bid types.Bid
		if err := c.ShouldBindJSON(&bid); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		bid.BuyerID = participantID(c, bid.BuyerID)

		if err := h.service.CreateBid(&bid, idempotencyKey); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, bid)
	}
}

// GetOfferStatusHandler handles GET requests for an offer's current state
// URL parameter: offer_id
func (h *GinHandlers) GetOfferStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerID := authenticatedParticipant(c)
		if sellerID == "" {
			return
		}

		offerID := c.Param("offer_id")
		offer, err := h.service.GetOfferBySeller(offerID, sellerID)
		if err != nil || offer == nil {
			response.NotFound(c, "Offer not found")
			return
		}

		response.Success(c, offer)
	}
}

// GetBidStatusHandler handles GET requests for a bid's current state
// URL parameter: bid_id
func (h *GinHandlers) GetBidStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyerID := authenticatedParticipant(c)
		if buyerID == "" {
			return
		}

		bidID := c.Param("bid_id")
		bid, err := h.service.GetBidByBuyer(bidID, buyerID)
		if err != nil || bid == nil {
			response.NotFound(c, "Bid not found")
			return
		}

		response.Success(c, bid)
	}
}

// CancelOfferHandler handles POST requests to cancel an open offer
func (h *GinHandlers) CancelOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerID := authenticatedParticipant(c)
		if sellerID == "" {
			return
		}

		offer, err := h.service.CancelOffer(c.Param("offer_id"), sellerID)
		if err == nil && offer == nil {
			response.NotFound(c, "Offer not found")
			return
		}
		response.Handle(c, offer, err)
	}
}

// CancelBidHandler handles POST requests to cancel an open bid
func (h *GinHandlers) CancelBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyerID := authenticatedParticipant(c)
		if buyerID == "" {
			return
		}

		bid, err := h.service.CancelBid(c.Param("bid_id"), buyerID)
		if err == nil && bid == nil {
			response.NotFound(c, "Bid not found")
			return
		}
		response.Handle(c, bid, err)
	}
}

// authenticatedParticipant extracts the participant ID from the JWT claims,
// writing an error response when the claims are missing.
func authenticatedParticipant(c *gin.Context) string {
	claims, exists := c.Get("claims")
	if !exists {
		response.Unauthorized(c, "Missing authentication claims")
		return ""
	}

	participant := auth.GetParticipantID(claims)
	if participant == "" {
		response.Unauthorized(c, "Invalid participant ID in token")
	}
	return participant
}

// participantID prefers the authenticated participant over a body-supplied
// ID, so tokens cannot post orders for other participants.
func participantID(c *gin.Context, fallback string) string {
	if claims, exists := c.Get("claims"); exists {
		if id := auth.GetParticipantID(claims); id != "" {
			return id
		}
	}
	return fallback
}
