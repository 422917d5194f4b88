package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order status values shared by offers and bids.
// MATCHED and CANCELLED are terminal; status only ever advances
// ACTIVE -> PARTIALLY_FILLED -> MATCHED.
const (
	StatusActive          = "ACTIVE"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusMatched         = "MATCHED"
	StatusCancelled       = "CANCELLED"
)

// IsTerminalStatus reports whether an order in this status can still trade.
func IsTerminalStatus(status string) bool {
	return status == StatusMatched || status == StatusCancelled
}

// Offer is a seller's standing sell order. AmountKwh is the remaining
// tradable quantity and only ever decreases.
type Offer struct {
	gorm.Model  `json:"-"`
	OfferID     string          `gorm:"uniqueIndex" json:"offer_id"`
	Timestamp   string          `gorm:"index" json:"timestamp"` // market tick, ISO-8601
	SellerID    string          `gorm:"index" json:"seller_id"`
	AmountKwh   decimal.Decimal `gorm:"type:decimal(20,6)" json:"amount_kwh"`
	PricePerKwh decimal.Decimal `gorm:"type:decimal(20,6)" json:"price_per_kwh"`
	Status      string          `gorm:"index" json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Bid is a buyer's standing buy order. AmountKwh is the remaining need;
// MaxPricePerKwh is the most the buyer will pay per unit.
type Bid struct {
	gorm.Model     `json:"-"`
	BidID          string          `gorm:"uniqueIndex" json:"bid_id"`
	Timestamp      string          `gorm:"index" json:"timestamp"`
	BuyerID        string          `gorm:"index" json:"buyer_id"`
	AmountKwh      decimal.Decimal `gorm:"type:decimal(20,6)" json:"amount_kwh"`
	MaxPricePerKwh decimal.Decimal `gorm:"type:decimal(20,6)" json:"max_price_per_kwh"`
	Status         string          `gorm:"index" json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Trade is the immutable settlement record of one offer/bid crossing.
// PricePerKwh is the seller's posted price (pay-as-offer), never the
// run's reference price. Trades are append-only.
type Trade struct {
	gorm.Model  `json:"-"`
	TradeID     string          `gorm:"uniqueIndex" json:"trade_id"`
	Timestamp   string          `gorm:"index" json:"timestamp"`
	OfferID     string          `gorm:"index" json:"offer_id"`
	BidID       string          `gorm:"index" json:"bid_id"`
	SellerID    string          `json:"seller_id"`
	BuyerID     string          `json:"buyer_id"`
	AmountKwh   decimal.Decimal `gorm:"type:decimal(20,6)" json:"amount_kwh"`
	PricePerKwh decimal.Decimal `gorm:"type:decimal(20,6)" json:"price_per_kwh"`
	TotalValue  decimal.Decimal `gorm:"type:decimal(20,6)" json:"total_value"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MarketSnapshot is the aggregate record of one clearing run. Exactly one
// snapshot exists per cleared timestamp; snapshots are append-only and feed
// the historical reference-price series.
type MarketSnapshot struct {
	gorm.Model           `json:"-"`
	SnapshotID           string          `gorm:"uniqueIndex" json:"snapshot_id"`
	Timestamp            string          `gorm:"uniqueIndex" json:"timestamp"`
	TotalSupplyKwh       decimal.Decimal `gorm:"type:decimal(20,6)" json:"total_supply_kwh"`
	TotalDemandKwh       decimal.Decimal `gorm:"type:decimal(20,6)" json:"total_demand_kwh"`
	BalanceKwh           decimal.Decimal `gorm:"type:decimal(20,6)" json:"balance_kwh"`
	ReferencePricePerKwh decimal.Decimal `gorm:"type:decimal(20,6)" json:"reference_price_per_kwh"`
	ActiveOffers         int             `json:"active_offers"`
	ActiveBids           int             `json:"active_bids"`
	TradesExecuted       int             `json:"trades_executed"`
	TotalTradedKwh       decimal.Decimal `gorm:"type:decimal(20,6)" json:"total_traded_kwh"`
	CreatedAt            time.Time       `json:"created_at"`
}
