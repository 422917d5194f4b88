package orders

import (
	"errors"
	"time"

	"github.com/gridpool/vpp-market-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOffer(offerID string) (*types.Offer, error) {
	var offer types.Offer
	if err := d.db.Where("offer_id = ?", offerID).First(&offer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &offer, nil
}

func (d *Database) GetOfferByIDAndSeller(offerID, sellerID string) (*types.Offer, error) {
	var offer types.Offer
	if err := d.db.Where("offer_id = ? AND seller_id = ?", offerID, sellerID).First(&offer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &offer, nil
}

func (d *Database) UpdateOffer(offer *types.Offer) error {
	return d.db.Save(offer).Error
}

func (d *Database) GetBid(bidID string) (*types.Bid, error) {
	var bid types.Bid
	if err := d.db.Where("bid_id = ?", bidID).First(&bid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bid, nil
}

func (d *Database) GetBidByIDAndBuyer(bidID, buyerID string) (*types.Bid, error) {
	var bid types.Bid
	if err := d.db.Where("bid_id = ? AND buyer_id = ?", bidID, buyerID).First(&bid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bid, nil
}

func (d *Database) UpdateBid(bid *types.Bid) error {
	return d.db.Save(bid).Error
}

// CreateOfferWithIdempotency creates a new offer and its idempotency record
// in a single transaction.
func (d *Database) CreateOfferWithIdempotency(offer *types.Offer, idempotencyKey string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(offer).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     offer.OfferID,
		ResourceType:   "offer",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// CreateBidWithIdempotency creates a new bid and its idempotency record
// in a single transaction.
func (d *Database) CreateBidWithIdempotency(bid *types.Bid, idempotencyKey string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(bid).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     bid.BidID,
		ResourceType:   "bid",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &record, nil
		}
		return nil, err
	}
	return &record, nil
}
