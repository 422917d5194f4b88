package database

import (
	"fmt"
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gridpool/vpp-market-api/internal/database/migrations"
	"github.com/gridpool/vpp-market-api/internal/orders"
)

// NewDatabase initializes and returns a new GORM DB connection.
// The database path can be overridden with DATABASE_PATH.
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "market.db"
	}
	return Open(path)
}

// Open initializes a GORM DB at the given sqlite path and runs migrations.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddMarketOrders(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddTradeLedger(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	if err := db.AutoMigrate(&orders.IdempotencyRecord{}); err != nil {
		return nil, err
	}

	return db, nil
}
