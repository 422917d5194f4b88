package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClearingRunResponse is returned to the caller of a clearing run.
type ClearingRunResponse struct {
	SnapshotID           string          `json:"snapshot_id"`
	Timestamp            string          `json:"timestamp"`
	TotalSupplyKwh       decimal.Decimal `json:"total_supply_kwh"`
	TotalDemandKwh       decimal.Decimal `json:"total_demand_kwh"`
	BalanceKwh           decimal.Decimal `json:"balance_kwh"`
	ReferencePricePerKwh decimal.Decimal `json:"reference_price_per_kwh"`
	ActiveOffers         int             `json:"active_offers"`
	ActiveBids           int             `json:"active_bids"`
	TradesExecuted       int             `json:"trades_executed"`
	TotalTradedKwh       decimal.Decimal `json:"total_traded_kwh"`
	CompletedAt          time.Time       `json:"completed_at"`
}

// PriceHistoryResponse carries the recent reference-price series, newest first.
type PriceHistoryResponse struct {
	Before   string            `json:"before"`
	Lookback int               `json:"lookback"`
	Prices   []decimal.Decimal `json:"prices"`
}
