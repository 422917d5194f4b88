package clearing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/gridpool/vpp-market-api/internal/types"
)

// Database is the clearing engine's view of the order store: active-order
// reads, idempotent order-state writes, and append-only trade/snapshot
// writes, with the whole commit of one run inside a single transaction.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

var activeStatuses = []string{types.StatusActive, types.StatusPartiallyFilled}

// ListActiveOffers returns every offer that can still trade, in stable
// (timestamp, id) order. Partial fills from earlier runs are included so
// their remainders stay tradable.
func (d *Database) ListActiveOffers() ([]types.Offer, error) {
	var offers []types.Offer
	if err := d.db.Where("status IN ?", activeStatuses).
		Order("timestamp, offer_id").
		Find(&offers).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch active offers: %w", err)
	}
	return offers, nil
}

// ListActiveBids returns every bid that can still trade, in stable
// (timestamp, id) order.
func (d *Database) ListActiveBids() ([]types.Bid, error) {
	var bids []types.Bid
	if err := d.db.Where("status IN ?", activeStatuses).
		Order("timestamp, bid_id").
		Find(&bids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch active bids: %w", err)
	}
	return bids, nil
}

// SaveClearingRun commits the full outcome of one clearing run in a single
// transaction: updated offer and bid states, the trade ledger entries, and
// the market snapshot. All-or-nothing, so a crash can never leave an order
// decremented without its trade recorded or vice versa.
//
// Order-state writes only match rows that are still tradable. A cancel that
// landed between the run's active-set read and this commit makes the write
// match zero rows, and the whole run rolls back: a terminal status is never
// overwritten and no trade is recorded against withdrawn energy.
func (d *Database) SaveClearingRun(
	offers []types.Offer,
	bids []types.Bid,
	trades []types.Trade,
	snapshot *types.MarketSnapshot,
) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	for i := range offers {
		res := tx.Model(&types.Offer{}).
			Where("offer_id = ? AND status IN ?", offers[i].OfferID, activeStatuses).
			Updates(map[string]interface{}{
				"amount_kwh": offers[i].AmountKwh,
				"status":     offers[i].Status,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			tx.Rollback()
			return fmt.Errorf("failed to save offer state %s: %w", offers[i].OfferID, res.Error)
		}
		if res.RowsAffected == 0 {
			tx.Rollback()
			return fmt.Errorf("offer %s left the active set during the run: %w",
				offers[i].OfferID, types.ErrConcurrentClearing)
		}
	}

	for i := range bids {
		res := tx.Model(&types.Bid{}).
			Where("bid_id = ? AND status IN ?", bids[i].BidID, activeStatuses).
			Updates(map[string]interface{}{
				"amount_kwh": bids[i].AmountKwh,
				"status":     bids[i].Status,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			tx.Rollback()
			return fmt.Errorf("failed to save bid state %s: %w", bids[i].BidID, res.Error)
		}
		if res.RowsAffected == 0 {
			tx.Rollback()
			return fmt.Errorf("bid %s left the active set during the run: %w",
				bids[i].BidID, types.ErrConcurrentClearing)
		}
	}

	for i := range trades {
		if err := tx.Create(&trades[i]).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to append trade %s: %w", trades[i].TradeID, err)
		}
	}

	if err := tx.Create(snapshot).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to append market snapshot: %w", err)
	}

	return tx.Commit().Error
}

// GetSnapshot retrieves the snapshot recorded for a cleared timestamp.
func (d *Database) GetSnapshot(timestamp string) (*types.MarketSnapshot, error) {
	var snapshot types.MarketSnapshot
	if err := d.db.Where("timestamp = ?", timestamp).First(&snapshot).Error; err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// GetTradesByTimestamp returns the trades settled in one clearing run.
func (d *Database) GetTradesByTimestamp(timestamp string) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.Where("timestamp = ?", timestamp).
		Order("created_at, trade_id").
		Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch trades: %w", err)
	}
	return trades, nil
}

// PriceHistory returns the reference prices of the most recent snapshots
// before the given timestamp, newest first.
func (d *Database) PriceHistory(beforeTimestamp string, lookback int) ([]decimal.Decimal, error) {
	var snapshots []types.MarketSnapshot
	query := d.db.Order("timestamp DESC").Limit(lookback)
	if beforeTimestamp != "" {
		query = query.Where("timestamp < ?", beforeTimestamp)
	}
	if err := query.Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch price history: %w", err)
	}

	prices := make([]decimal.Decimal, 0, len(snapshots))
	for _, s := range snapshots {
		prices = append(prices, s.ReferencePricePerKwh)
	}
	return prices, nil
}
