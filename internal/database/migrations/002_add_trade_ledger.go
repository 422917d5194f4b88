package migrations

import (
	"github.com/gridpool/vpp-market-api/internal/types"
	"gorm.io/gorm"
)

// AddTradeLedger creates the append-only trade and snapshot tables.
func AddTradeLedger(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Trade{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.MarketSnapshot{}); err != nil {
		return err
	}

	indexes := []string{
		// Trades are queried per clearing run and per participant.
		`CREATE INDEX IF NOT EXISTS idx_trades_timestamp
		 ON trades(timestamp)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_seller_id
		 ON trades(seller_id)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_buyer_id
		 ON trades(buyer_id)`,

		// Price history walks snapshots newest first.
		`CREATE INDEX IF NOT EXISTS idx_market_snapshots_timestamp
		 ON market_snapshots(timestamp)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
