package matching

import (
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gridpool/vpp-market-api/internal/types"
)

// dustEpsilon is the quantity below which a remainder is treated as fully
// consumed (1 Wh), so a crossing can never leave an unfillable tail order.
var dustEpsilon = decimal.RequireFromString("0.001")

// Result is the complete outcome of one clearing pass: the trades produced
// and the final state of every offer and bid that was handed in, touched or
// not. The caller persists all three together.
type Result struct {
	Trades []types.Trade
	Offers []types.Offer
	Bids   []types.Bid
}

// Clear runs a greedy price-priority double auction over the active order
// sets for one market tick. Bids are served highest willingness-to-pay
// first; within a bid, offers are consumed cheapest first. Each crossing
// executes at the offer's posted price (pay-as-offer). Inputs are treated
// as an immutable snapshot; Clear never performs I/O and cannot fail on
// valid input.
//
// Sorting is stable with a (timestamp, id) tie-break, so identical inputs
// always produce an identical trade list.
func Clear(timestamp string, offers []types.Offer, bids []types.Bid) Result {
	logger := log.With().
		Str("component", "matching_engine").
		Str("timestamp", timestamp).
		Logger()

	// Work on copies so the caller's snapshot stays untouched.
	outOffers := make([]types.Offer, len(offers))
	copy(outOffers, offers)
	outBids := make([]types.Bid, len(bids))
	copy(outBids, bids)

	// Cheapest sellers first.
	sort.SliceStable(outOffers, func(i, j int) bool {
		if !outOffers[i].PricePerKwh.Equal(outOffers[j].PricePerKwh) {
			return outOffers[i].PricePerKwh.LessThan(outOffers[j].PricePerKwh)
		}
		if outOffers[i].Timestamp != outOffers[j].Timestamp {
			return outOffers[i].Timestamp < outOffers[j].Timestamp
		}
		return outOffers[i].OfferID < outOffers[j].OfferID
	})

	// Highest willingness-to-pay first.
	sort.SliceStable(outBids, func(i, j int) bool {
		if !outBids[i].MaxPricePerKwh.Equal(outBids[j].MaxPricePerKwh) {
			return outBids[i].MaxPricePerKwh.GreaterThan(outBids[j].MaxPricePerKwh)
		}
		if outBids[i].Timestamp != outBids[j].Timestamp {
			return outBids[i].Timestamp < outBids[j].Timestamp
		}
		return outBids[i].BidID < outBids[j].BidID
	})

	var trades []types.Trade

	for bi := range outBids {
		bid := &outBids[bi]
		if types.IsTerminalStatus(bid.Status) || !bid.AmountKwh.IsPositive() {
			continue
		}

		for oi := range outOffers {
			offer := &outOffers[oi]
			if types.IsTerminalStatus(offer.Status) || !offer.AmountKwh.IsPositive() {
				continue
			}
			if offer.PricePerKwh.GreaterThan(bid.MaxPricePerKwh) {
				// Offers are sorted by price ascending, so no later offer
				// can be compatible with this bid either.
				break
			}

			matchKwh := decimal.Min(bid.AmountKwh, offer.AmountKwh)
			if !matchKwh.IsPositive() {
				continue
			}

			trade := types.Trade{
				TradeID:     "TRD_" + uuid.New().String(),
				Timestamp:   timestamp,
				OfferID:     offer.OfferID,
				BidID:       bid.BidID,
				SellerID:    offer.SellerID,
				BuyerID:     bid.BuyerID,
				AmountKwh:   matchKwh,
				PricePerKwh: offer.PricePerKwh,
				TotalValue:  matchKwh.Mul(offer.PricePerKwh),
			}
			trades = append(trades, trade)

			offer.AmountKwh = offer.AmountKwh.Sub(matchKwh)
			bid.AmountKwh = bid.AmountKwh.Sub(matchKwh)
			settleStatus(&offer.AmountKwh, &offer.Status)
			settleStatus(&bid.AmountKwh, &bid.Status)

			logger.Debug().
				Str("trade_id", trade.TradeID).
				Str("seller_id", trade.SellerID).
				Str("buyer_id", trade.BuyerID).
				Str("amount_kwh", trade.AmountKwh.String()).
				Str("price_per_kwh", trade.PricePerKwh.String()).
				Msg("crossed offer against bid")

			if types.IsTerminalStatus(bid.Status) {
				break
			}
		}
	}

	logger.Info().
		Int("offers", len(outOffers)).
		Int("bids", len(outBids)).
		Int("trades", len(trades)).
		Msg("clearing pass complete")

	return Result{Trades: trades, Offers: outOffers, Bids: outBids}
}

// settleStatus advances an order's status after its remaining quantity was
// reduced by a crossing. Remainders below the dust epsilon are zeroed and
// the order closes as matched.
func settleStatus(remaining *decimal.Decimal, status *string) {
	if remaining.LessThan(dustEpsilon) {
		*remaining = decimal.Zero
		*status = types.StatusMatched
		return
	}
	*status = types.StatusPartiallyFilled
}
