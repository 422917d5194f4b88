package clearing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/gridpool/vpp-market-api/internal/database"
	"github.com/gridpool/vpp-market-api/internal/matching"
	"github.com/gridpool/vpp-market-api/internal/orders"
	"github.com/gridpool/vpp-market-api/internal/types"
)

const gridPrice = "0.30"

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := database.Open(dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return NewService(db), db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedOffer(t *testing.T, db *gorm.DB, id, seller, tick, amount, price string) {
	t.Helper()
	offer := types.Offer{
		OfferID:     id,
		Timestamp:   tick,
		SellerID:    seller,
		AmountKwh:   dec(amount),
		PricePerKwh: dec(price),
		Status:      types.StatusActive,
	}
	if err := db.Create(&offer).Error; err != nil {
		t.Fatalf("failed to seed offer: %v", err)
	}
}

func seedBid(t *testing.T, db *gorm.DB, id, buyer, tick, amount, maxPrice string) {
	t.Helper()
	bid := types.Bid{
		BidID:          id,
		Timestamp:      tick,
		BuyerID:        buyer,
		AmountKwh:      dec(amount),
		MaxPricePerKwh: dec(maxPrice),
		Status:         types.StatusActive,
	}
	if err := db.Create(&bid).Error; err != nil {
		t.Fatalf("failed to seed bid: %v", err)
	}
}

func reloadOffer(t *testing.T, db *gorm.DB, id string) types.Offer {
	t.Helper()
	var offer types.Offer
	if err := db.Where("offer_id = ?", id).First(&offer).Error; err != nil {
		t.Fatalf("failed to reload offer %s: %v", id, err)
	}
	return offer
}

func TestRunClearingPersistsPartialFill(t *testing.T) {
	svc, db := newTestService(t)
	tick := "2024-06-01T12:00:00Z"

	seedOffer(t, db, "OFR_1", "seller", tick, "5.0", "0.20")
	seedBid(t, db, "BID_1", "buyer", tick, "2.0", "0.25")

	snapshot, err := svc.RunClearing(context.Background(), tick, dec(gridPrice))
	if err != nil {
		t.Fatalf("RunClearing failed: %v", err)
	}
	if snapshot.TradesExecuted != 1 {
		t.Fatalf("expected 1 trade, got %d", snapshot.TradesExecuted)
	}

	// The reduced quantity must survive a reload from the store: the next
	// run has to see 3.0 remaining, not the original 5.0.
	offer := reloadOffer(t, db, "OFR_1")
	if offer.Status != types.StatusPartiallyFilled {
		t.Errorf("persisted offer status = %s, want PARTIALLY_FILLED", offer.Status)
	}
	if !offer.AmountKwh.Equal(dec("3")) {
		t.Errorf("persisted offer amount = %s, want 3", offer.AmountKwh)
	}

	// A fresh bid in a later run may only consume the remainder.
	tick2 := "2024-06-01T13:00:00Z"
	seedBid(t, db, "BID_2", "buyer2", tick2, "4.0", "0.25")

	snapshot2, err := svc.RunClearing(context.Background(), tick2, dec(gridPrice))
	if err != nil {
		t.Fatalf("second RunClearing failed: %v", err)
	}
	if !snapshot2.TotalTradedKwh.Equal(dec("3")) {
		t.Errorf("second run traded %s kWh, want 3 (remainder only)", snapshot2.TotalTradedKwh)
	}

	offer = reloadOffer(t, db, "OFR_1")
	if offer.Status != types.StatusMatched || !offer.AmountKwh.IsZero() {
		t.Errorf("offer after depletion = (%s, %s), want MATCHED with 0", offer.Status, offer.AmountKwh)
	}

	// Across both runs the offer supplied exactly its original 5.0 kWh.
	var trades []types.Trade
	if err := db.Where("offer_id = ?", "OFR_1").Find(&trades).Error; err != nil {
		t.Fatalf("failed to load trades: %v", err)
	}
	total := decimal.Zero
	for _, tr := range trades {
		total = total.Add(tr.AmountKwh)
	}
	if !total.Equal(dec("5")) {
		t.Errorf("offer supplied %s kWh in total, want exactly 5", total)
	}
}

func TestRunClearingEmptyMarket(t *testing.T) {
	svc, _ := newTestService(t)
	tick := "2024-06-01T12:00:00Z"

	snapshot, err := svc.RunClearing(context.Background(), tick, dec(gridPrice))
	if err != nil {
		t.Fatalf("RunClearing failed: %v", err)
	}
	if snapshot.ActiveOffers != 0 || snapshot.ActiveBids != 0 || snapshot.TradesExecuted != 0 {
		t.Errorf("expected zero-valued snapshot, got %+v", snapshot)
	}
	if !snapshot.TotalSupplyKwh.IsZero() || !snapshot.TotalDemandKwh.IsZero() {
		t.Errorf("expected zero aggregates, got supply=%s demand=%s",
			snapshot.TotalSupplyKwh, snapshot.TotalDemandKwh)
	}

	// Idle ticks are not persisted.
	if _, err := svc.GetSnapshot(tick); err == nil {
		t.Error("empty-market snapshot should not be persisted")
	}
}

func TestRunClearingNoCompatibleOrders(t *testing.T) {
	svc, db := newTestService(t)
	tick := "2024-06-01T12:00:00Z"

	seedOffer(t, db, "OFR_1", "seller", tick, "5.0", "0.30")
	seedBid(t, db, "BID_1", "buyer", tick, "5.0", "0.25")

	snapshot, err := svc.RunClearing(context.Background(), tick, dec(gridPrice))
	if err != nil {
		t.Fatalf("zero trades is a valid outcome, got error: %v", err)
	}
	if snapshot.TradesExecuted != 0 {
		t.Errorf("expected zero trades, got %d", snapshot.TradesExecuted)
	}

	offer := reloadOffer(t, db, "OFR_1")
	if offer.Status != types.StatusActive || !offer.AmountKwh.Equal(dec("5")) {
		t.Errorf("incompatible offer mutated: (%s, %s)", offer.Status, offer.AmountKwh)
	}

	// The run itself is still recorded for the price series.
	if _, err := svc.GetSnapshot(tick); err != nil {
		t.Errorf("snapshot should be persisted even with zero trades: %v", err)
	}
}

func TestRunClearingDuplicateTimestampRollsBack(t *testing.T) {
	svc, db := newTestService(t)
	tick := "2024-06-01T12:00:00Z"

	seedOffer(t, db, "OFR_1", "seller", tick, "5.0", "0.20")
	seedBid(t, db, "BID_1", "buyer", tick, "2.0", "0.25")

	if _, err := svc.RunClearing(context.Background(), tick, dec(gridPrice)); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Replaying the same tick trips the snapshot uniqueness constraint and
	// must roll back the entire second run.
	seedBid(t, db, "BID_2", "buyer2", tick, "1.0", "0.25")
	if _, err := svc.RunClearing(context.Background(), tick, dec(gridPrice)); err == nil {
		t.Fatal("expected duplicate-timestamp run to fail")
	}

	// No partial writes: the offer still holds the state of the first run
	// and no extra trades exist.
	offer := reloadOffer(t, db, "OFR_1")
	if !offer.AmountKwh.Equal(dec("3")) {
		t.Errorf("rolled-back run changed offer amount to %s", offer.AmountKwh)
	}
	var count int64
	if err := db.Model(&types.Trade{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count trades: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 trade after rollback, found %d", count)
	}
}

func TestRunClearingCancelledContext(t *testing.T) {
	svc, db := newTestService(t)
	tick := "2024-06-01T12:00:00Z"

	seedOffer(t, db, "OFR_1", "seller", tick, "5.0", "0.20")
	seedBid(t, db, "BID_1", "buyer", tick, "2.0", "0.25")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.RunClearing(ctx, tick, dec(gridPrice)); err == nil {
		t.Fatal("expected cancelled run to return an error")
	}

	// Nothing was persisted.
	offer := reloadOffer(t, db, "OFR_1")
	if offer.Status != types.StatusActive || !offer.AmountKwh.Equal(dec("5")) {
		t.Errorf("cancelled run mutated the store: (%s, %s)", offer.Status, offer.AmountKwh)
	}
}

func TestRunClearingSerialization(t *testing.T) {
	svc, db := newTestService(t)
	seedOffer(t, db, "OFR_1", "seller", "2024-06-01T00:00:00Z", "100", "0.20")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tick := fmt.Sprintf("2024-06-01T%02d:00:00Z", i+1)
			_, errs[i] = svc.RunClearing(context.Background(), tick, dec(gridPrice))
		}(i)
	}
	wg.Wait()

	// Every run either completed or was rejected with the concurrency
	// error; nothing else is acceptable.
	for i, err := range errs {
		if err != nil && err != types.ErrConcurrentClearing {
			t.Errorf("run %d failed unexpectedly: %v", i, err)
		}
	}
}

func TestCancelBetweenReadAndCommitRollsBack(t *testing.T) {
	svc, db := newTestService(t)
	ordersSvc := orders.NewService(db)
	tick := "2024-06-01T12:00:00Z"

	seedOffer(t, db, "OFR_1", "seller", tick, "5.0", "0.20")
	seedBid(t, db, "BID_1", "buyer", tick, "2.0", "0.25")

	// Interleave a participant cancel between the run's active-set read
	// and its commit.
	activeOffers, err := svc.GetDB().ListActiveOffers()
	if err != nil {
		t.Fatalf("ListActiveOffers failed: %v", err)
	}
	activeBids, err := svc.GetDB().ListActiveBids()
	if err != nil {
		t.Fatalf("ListActiveBids failed: %v", err)
	}

	cancelled, err := ordersSvc.CancelOffer("OFR_1", "seller")
	if err != nil || cancelled.Status != types.StatusCancelled {
		t.Fatalf("cancel failed: (%v, %v)", cancelled, err)
	}

	result := matching.Clear(tick, activeOffers, activeBids)
	if len(result.Trades) != 1 {
		t.Fatalf("stale snapshot should still cross, got %d trades", len(result.Trades))
	}

	snapshot := &types.MarketSnapshot{
		SnapshotID:     "SNP_stale",
		Timestamp:      tick,
		TradesExecuted: len(result.Trades),
	}
	err = svc.GetDB().SaveClearingRun(result.Offers, result.Bids, result.Trades, snapshot)
	if !errors.Is(err, types.ErrConcurrentClearing) {
		t.Fatalf("expected ErrConcurrentClearing for a withdrawn offer, got %v", err)
	}

	// The cancel won: terminal status stands, quantity untouched, and no
	// trade was minted from the withdrawn energy.
	offer := reloadOffer(t, db, "OFR_1")
	if offer.Status != types.StatusCancelled {
		t.Errorf("offer status = %s, want CANCELLED to stand", offer.Status)
	}
	if !offer.AmountKwh.Equal(dec("5")) {
		t.Errorf("offer amount = %s, want the original 5", offer.AmountKwh)
	}
	var count int64
	if err := db.Model(&types.Trade{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count trades: %v", err)
	}
	if count != 0 {
		t.Errorf("found %d trades recorded against a cancelled offer", count)
	}
}

func TestCancelledBidBetweenReadAndCommitRollsBack(t *testing.T) {
	svc, db := newTestService(t)
	ordersSvc := orders.NewService(db)
	tick := "2024-06-01T12:00:00Z"

	seedOffer(t, db, "OFR_1", "seller", tick, "5.0", "0.20")
	seedBid(t, db, "BID_1", "buyer", tick, "2.0", "0.25")

	activeOffers, err := svc.GetDB().ListActiveOffers()
	if err != nil {
		t.Fatalf("ListActiveOffers failed: %v", err)
	}
	activeBids, err := svc.GetDB().ListActiveBids()
	if err != nil {
		t.Fatalf("ListActiveBids failed: %v", err)
	}

	if _, err := ordersSvc.CancelBid("BID_1", "buyer"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	result := matching.Clear(tick, activeOffers, activeBids)
	snapshot := &types.MarketSnapshot{SnapshotID: "SNP_stale", Timestamp: tick}
	err = svc.GetDB().SaveClearingRun(result.Offers, result.Bids, result.Trades, snapshot)
	if !errors.Is(err, types.ErrConcurrentClearing) {
		t.Fatalf("expected ErrConcurrentClearing for a withdrawn bid, got %v", err)
	}

	offer := reloadOffer(t, db, "OFR_1")
	if offer.Status != types.StatusActive || !offer.AmountKwh.Equal(dec("5")) {
		t.Errorf("offer state leaked from rolled-back run: (%s, %s)", offer.Status, offer.AmountKwh)
	}
}

func TestPriceHistoryNewestFirst(t *testing.T) {
	svc, db := newTestService(t)

	snapshots := []struct {
		tick  string
		price string
	}{
		{"2024-06-01T10:00:00Z", "0.31"},
		{"2024-06-01T11:00:00Z", "0.29"},
		{"2024-06-01T12:00:00Z", "0.27"},
	}
	for i, s := range snapshots {
		record := types.MarketSnapshot{
			SnapshotID:           fmt.Sprintf("SNP_%d", i),
			Timestamp:            s.tick,
			ReferencePricePerKwh: dec(s.price),
		}
		if err := db.Create(&record).Error; err != nil {
			t.Fatalf("failed to seed snapshot: %v", err)
		}
	}

	prices, err := svc.PriceHistory("", 2)
	if err != nil {
		t.Fatalf("PriceHistory failed: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(prices))
	}
	if !prices[0].Equal(dec("0.27")) || !prices[1].Equal(dec("0.29")) {
		t.Errorf("prices not newest first: %s, %s", prices[0], prices[1])
	}

	// The before filter excludes the cutoff tick itself.
	prices, err = svc.PriceHistory("2024-06-01T12:00:00Z", 5)
	if err != nil {
		t.Fatalf("PriceHistory with cutoff failed: %v", err)
	}
	if len(prices) != 2 || !prices[0].Equal(dec("0.29")) {
		t.Errorf("cutoff filter wrong: %v", prices)
	}
}

func TestRunClearingSnapshotRecordsReferencePriceOnly(t *testing.T) {
	svc, db := newTestService(t)
	tick := "2024-06-01T12:00:00Z"

	// Balance is 5 - 2 = 3: balanced tier, reference = 0.30 * 0.85.
	seedOffer(t, db, "OFR_1", "seller", tick, "5.0", "0.20")
	seedBid(t, db, "BID_1", "buyer", tick, "2.0", "0.25")

	snapshot, err := svc.RunClearing(context.Background(), tick, dec(gridPrice))
	if err != nil {
		t.Fatalf("RunClearing failed: %v", err)
	}
	if !snapshot.ReferencePricePerKwh.Equal(dec("0.255")) {
		t.Errorf("reference price = %s, want 0.255", snapshot.ReferencePricePerKwh)
	}

	// Pay-as-offer: the trade settles at the seller's posted 0.20, not at
	// the reference price.
	trades, err := svc.GetTrades(tick)
	if err != nil {
		t.Fatalf("GetTrades failed: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if !trades[0].PricePerKwh.Equal(dec("0.20")) {
		t.Errorf("trade price = %s, want the offer's 0.20", trades[0].PricePerKwh)
	}
	if !trades[0].TotalValue.Equal(dec("0.40")) {
		t.Errorf("trade total value = %s, want 0.40", trades[0].TotalValue)
	}
}
