package clearing

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/gridpool/vpp-market-api/internal/matching"
	"github.com/gridpool/vpp-market-api/internal/pricing"
	"github.com/gridpool/vpp-market-api/internal/types"
	"github.com/gridpool/vpp-market-api/pkg/response"
)

// Service orchestrates one clearing run: load the active order sets, derive
// the reference price, cross the market, and commit trades, order states and
// the snapshot transactionally.
type Service struct {
	db *Database

	// Serializes clearing runs for this venue. A second run started while
	// one is in flight could double-match the same remaining quantity, so
	// contention is an error, never a wait.
	runMu sync.Mutex
}

// NewService creates a new clearing service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// RunClearing performs one clearing run for the given market tick and
// external grid price, returning the recorded market snapshot.
//
// Returns types.ErrConcurrentClearing if another run is in flight. An empty
// market produces a zero-valued snapshot and no writes. The context is
// honored up to the commit; once persistence starts the run completes or
// rolls back as a whole.
func (s *Service) RunClearing(ctx context.Context, timestamp string, gridPricePerKwh decimal.Decimal) (*types.MarketSnapshot, error) {
	if !s.runMu.TryLock() {
		return nil, types.ErrConcurrentClearing
	}
	defer s.runMu.Unlock()

	logger := log.With().
		Str("service", "clearing").
		Str("timestamp", timestamp).
		Logger()

	logger.Info().
		Str("grid_price_per_kwh", gridPricePerKwh.String()).
		Msg("starting clearing run")

	offers, err := s.db.ListActiveOffers()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load active offers")
		return nil, fmt.Errorf("failed to load active offers: %w", err)
	}
	bids, err := s.db.ListActiveBids()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load active bids")
		return nil, fmt.Errorf("failed to load active bids: %w", err)
	}

	totalSupply := decimal.Zero
	for _, o := range offers {
		totalSupply = totalSupply.Add(o.AmountKwh)
	}
	totalDemand := decimal.Zero
	for _, b := range bids {
		totalDemand = totalDemand.Add(b.AmountKwh)
	}
	balance := totalSupply.Sub(totalDemand)
	referencePrice := pricing.ReferencePrice(balance, gridPricePerKwh)

	snapshot := &types.MarketSnapshot{
		SnapshotID:           "SNP_" + uuid.New().String(),
		Timestamp:            timestamp,
		TotalSupplyKwh:       totalSupply,
		TotalDemandKwh:       totalDemand,
		BalanceKwh:           balance,
		ReferencePricePerKwh: referencePrice,
		ActiveOffers:         len(offers),
		ActiveBids:           len(bids),
		TotalTradedKwh:       decimal.Zero,
		CreatedAt:            time.Now(),
	}

	logger.Debug().
		Str("total_supply_kwh", totalSupply.String()).
		Str("total_demand_kwh", totalDemand.String()).
		Str("balance_kwh", balance.String()).
		Str("reference_price_per_kwh", referencePrice.String()).
		Int("active_offers", len(offers)).
		Int("active_bids", len(bids)).
		Msg("computed market aggregates")

	// Nothing on the book: report the zero-valued snapshot without
	// persisting, so idle ticks leave no records behind.
	if len(offers) == 0 && len(bids) == 0 {
		logger.Info().Msg("no active orders, skipping clearing run")
		return snapshot, nil
	}

	result := matching.Clear(timestamp, offers, bids)

	totalTraded := decimal.Zero
	for _, trade := range result.Trades {
		totalTraded = totalTraded.Add(trade.AmountKwh)
	}
	snapshot.TradesExecuted = len(result.Trades)
	snapshot.TotalTradedKwh = totalTraded

	// Only orders the crossing actually reduced are written back. Untouched
	// orders carry no new state, and writing them would race participant
	// cancellations that landed after the active-set read.
	originalOffer := make(map[string]decimal.Decimal, len(offers))
	for _, o := range offers {
		originalOffer[o.OfferID] = o.AmountKwh
	}
	touchedOffers := make([]types.Offer, 0, len(result.Offers))
	for _, o := range result.Offers {
		if !o.AmountKwh.Equal(originalOffer[o.OfferID]) {
			touchedOffers = append(touchedOffers, o)
		}
	}

	originalBid := make(map[string]decimal.Decimal, len(bids))
	for _, b := range bids {
		originalBid[b.BidID] = b.AmountKwh
	}
	touchedBids := make([]types.Bid, 0, len(result.Bids))
	for _, b := range result.Bids {
		if !b.AmountKwh.Equal(originalBid[b.BidID]) {
			touchedBids = append(touchedBids, b)
		}
	}

	// Last point where the run can be abandoned cleanly. After this the
	// commit is all-or-nothing inside one transaction.
	if err := ctx.Err(); err != nil {
		logger.Warn().Err(err).Msg("clearing run cancelled before commit")
		return nil, err
	}

	if err := s.db.SaveClearingRun(touchedOffers, touchedBids, result.Trades, snapshot); err != nil {
		logger.Error().Err(err).Msg("failed to persist clearing run")
		return nil, fmt.Errorf("failed to persist clearing run: %w", err)
	}

	logger.Info().
		Str("snapshot_id", snapshot.SnapshotID).
		Int("trades_executed", snapshot.TradesExecuted).
		Str("total_traded_kwh", totalTraded.String()).
		Str("reference_price_per_kwh", referencePrice.String()).
		Msg("clearing run completed successfully")

	return snapshot, nil
}

// GetSnapshot retrieves the snapshot recorded for a cleared timestamp.
func (s *Service) GetSnapshot(timestamp string) (*types.MarketSnapshot, error) {
	return s.db.GetSnapshot(timestamp)
}

// GetTrades returns the trades settled in one clearing run.
func (s *Service) GetTrades(timestamp string) ([]types.Trade, error) {
	return s.db.GetTradesByTimestamp(timestamp)
}

// PriceHistory returns recent reference prices, newest first.
func (s *Service) PriceHistory(beforeTimestamp string, lookback int) ([]decimal.Decimal, error) {
	return s.db.PriceHistory(beforeTimestamp, lookback)
}

// GetDB exposes the clearing database for the background scheduler.
func (s *Service) GetDB() *Database {
	return s.db
}

// RunClearingRequest is the payload for a manually triggered clearing run.
type RunClearingRequest struct {
	Timestamp       string          `json:"timestamp"`
	GridPricePerKwh decimal.Decimal `json:"grid_price_per_kwh"`
}

// GinHandlers contains HTTP handlers for clearing endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for clearing endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RunClearingHandler handles POST requests to trigger a clearing run
// Requires internal authentication
func (h *GinHandlers) RunClearingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RunClearingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if !req.GridPricePerKwh.IsPositive() {
			response.ValidationFailed(c, "grid_price_per_kwh must be greater than zero")
			return
		}
		if req.Timestamp == "" {
			req.Timestamp = time.Now().UTC().Format(time.RFC3339)
		}

		snapshot, err := h.service.RunClearing(c.Request.Context(), req.Timestamp, req.GridPricePerKwh)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, types.ClearingRunResponse{
			SnapshotID:           snapshot.SnapshotID,
			Timestamp:            snapshot.Timestamp,
			TotalSupplyKwh:       snapshot.TotalSupplyKwh,
			TotalDemandKwh:       snapshot.TotalDemandKwh,
			BalanceKwh:           snapshot.BalanceKwh,
			ReferencePricePerKwh: snapshot.ReferencePricePerKwh,
			ActiveOffers:         snapshot.ActiveOffers,
			ActiveBids:           snapshot.ActiveBids,
			TradesExecuted:       snapshot.TradesExecuted,
			TotalTradedKwh:       snapshot.TotalTradedKwh,
			CompletedAt:          time.Now(),
		})
	}
}

// GetSnapshotHandler handles GET requests for a cleared tick's snapshot
// URL parameter: timestamp
func (h *GinHandlers) GetSnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot, err := h.service.GetSnapshot(c.Param("timestamp"))
		response.Handle(c, snapshot, err)
	}
}

// PriceHistoryHandler handles GET requests for the recent reference-price
// series. Query parameters: before (timestamp, optional), lookback (count).
func (h *GinHandlers) PriceHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lookback := 24
		if raw := c.Query("lookback"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				response.BadRequest(c, "lookback must be a positive integer")
				return
			}
			lookback = parsed
		}
		before := c.Query("before")

		prices, err := h.service.PriceHistory(before, lookback)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, types.PriceHistoryResponse{
			Before:   before,
			Lookback: lookback,
			Prices:   prices,
		})
	}
}
