package migrations

import (
	"github.com/gridpool/vpp-market-api/internal/types"
	"gorm.io/gorm"
)

// AddMarketOrders creates the offer and bid tables and the indexes the
// clearing engine's active-set reads depend on.
func AddMarketOrders(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Offer{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.Bid{}); err != nil {
		return err
	}

	// Composite indexes for the active-order scans, created with raw SQL
	// for control over the column order.
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_offers_status_timestamp
		 ON offers(status, timestamp)`,

		`CREATE INDEX IF NOT EXISTS idx_bids_status_timestamp
		 ON bids(status, timestamp)`,

		`CREATE INDEX IF NOT EXISTS idx_offers_seller_status
		 ON offers(seller_id, status)`,

		`CREATE INDEX IF NOT EXISTS idx_bids_buyer_status
		 ON bids(buyer_id, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
