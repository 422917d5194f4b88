package clearing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gridpool/vpp-market-api/internal/types"
)

// Scheduler triggers periodic clearing runs against the service, one per
// market tick. The service's own run lock keeps an overlapping manual run
// and a scheduled run from interleaving.
type Scheduler struct {
	service         *Service
	interval        time.Duration
	gridPricePerKwh decimal.Decimal
}

func NewScheduler(service *Service, interval time.Duration, gridPricePerKwh decimal.Decimal) *Scheduler {
	return &Scheduler{
		service:         service,
		interval:        interval,
		gridPricePerKwh: gridPricePerKwh,
	}
}

// Start begins the clearing loop and blocks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	logger := log.With().Str("component", "clearing_scheduler").Logger()
	logger.Info().
		Dur("interval", s.interval).
		Str("grid_price_per_kwh", s.gridPricePerKwh.String()).
		Msg("starting clearing scheduler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down clearing scheduler")
			return
		case tick := <-ticker.C:
			timestamp := tick.UTC().Format(time.RFC3339)
			_, err := s.service.RunClearing(ctx, timestamp, s.gridPricePerKwh)
			switch {
			case err == nil:
			case errors.Is(err, types.ErrConcurrentClearing):
				logger.Warn().Str("timestamp", timestamp).Msg("skipping tick, clearing run already in flight")
			default:
				logger.Error().Err(err).Str("timestamp", timestamp).Msg("scheduled clearing run failed")
			}
		}
	}
}
