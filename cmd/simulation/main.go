package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gridpool/vpp-market-api/internal/auth"
)

const (
	minOrdersPerTick = 10
	maxOrdersPerTick = 60
	numWorkers       = 5
	numTicks         = 4
	serverAddress    = "http://localhost:8080"
	gridPricePerKwh  = "0.30"
)

// Synthetic prosumer households posting offers and bids.
var participants = []string{"house-01", "house-02", "house-03", "house-04", "house-05", "house-06"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p95 = rs.durations[p95idx]

	return
}

// simulationClient handles HTTP communication with the market API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

// newSimulationClient authenticates with the API and prepares stats tracking
func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"offer":    {name: "Create Offer"},
			"bid":      {name: "Create Bid"},
			"clearing": {name: "Clearing Run"},
		},
	}

	if err := sc.authenticate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *simulationClient) authenticate() error {
	body, _ := json.Marshal(auth.Credentials{
		APIKey:    auth.TestAPIKey,
		APISecret: auth.TestAPISecret,
	})

	start := time.Now()
	resp, err := sc.client.Post(sc.baseURL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	sc.record("auth", start, err)
	if err != nil {
		return fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool               `json:"success"`
		Data    auth.TokenResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if !envelope.Success || envelope.Data.Token == "" {
		return fmt.Errorf("authentication rejected with status %d", resp.StatusCode)
	}

	sc.authToken = envelope.Data.Token
	return nil
}

func (sc *simulationClient) record(route string, start time.Time, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.addDuration(time.Since(start))
	if err != nil {
		rs.failures++
	}
}

func (sc *simulationClient) post(route, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, sc.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	req.Header.Set("Idempotency-Key", uuid.New().String())

	start := time.Now()
	resp, err := sc.client.Do(req)
	if err != nil {
		sc.record(route, start, err)
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		err = fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	sc.record(route, start, err)
	return err
}

// postOffer posts a synthetic solar surplus sell offer
func (sc *simulationClient) postOffer(timestamp, seller string) error {
	amount := decimal.NewFromFloat(0.5 + rand.Float64()*5).Round(3)
	price := decimal.NewFromFloat(0.15 + rand.Float64()*0.10).Round(4)

	return sc.post("offer", "/api/v1/offers", map[string]interface{}{
		"timestamp":     timestamp,
		"seller_id":     seller,
		"amount_kwh":    amount,
		"price_per_kwh": price,
	})
}

// postBid posts a synthetic evening-demand buy bid
func (sc *simulationClient) postBid(timestamp, buyer string) error {
	amount := decimal.NewFromFloat(0.5 + rand.Float64()*4).Round(3)
	maxPrice := decimal.NewFromFloat(0.18 + rand.Float64()*0.12).Round(4)

	return sc.post("bid", "/api/v1/bids", map[string]interface{}{
		"timestamp":         timestamp,
		"buyer_id":          buyer,
		"amount_kwh":        amount,
		"max_price_per_kwh": maxPrice,
	})
}

// runClearing triggers a clearing run for the given tick
func (sc *simulationClient) runClearing(timestamp string) error {
	return sc.post("clearing", "/api/v1/internal/clearing/run", map[string]interface{}{
		"timestamp":          timestamp,
		"grid_price_per_kwh": gridPricePerKwh,
	})
}

// simulateTick floods the book with random offers and bids for one tick,
// then clears the market.
func (sc *simulationClient) simulateTick(timestamp string) {
	orderCount := minOrdersPerTick + rand.Intn(maxOrdersPerTick-minOrdersPerTick+1)
	log.Info().
		Str("timestamp", timestamp).
		Int("orders", orderCount).
		Msg("simulating market tick")

	jobs := make(chan int, orderCount)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				participant := participants[rand.Intn(len(participants))]
				var err error
				if rand.Float64() < 0.5 {
					err = sc.postOffer(timestamp, participant)
				} else {
					err = sc.postBid(timestamp, participant)
				}
				if err != nil {
					log.Warn().Err(err).Msg("order submission failed")
				}
			}
		}()
	}

	for i := 0; i < orderCount; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := sc.runClearing(timestamp); err != nil {
		log.Error().Err(err).Str("timestamp", timestamp).Msg("clearing run failed")
	}
}

// printStats reports per-route latency statistics for the simulation
func (sc *simulationClient) printStats() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for _, rs := range sc.stats {
		min, max, mean, median, p95 := rs.calculate()
		log.Info().
			Str("route", rs.name).
			Int("calls", rs.totalCalls).
			Int("failures", rs.failures).
			Dur("min", min).
			Dur("max", max).
			Dur("mean", mean).
			Dur("median", median).
			Dur("p95", p95).
			Msg("route statistics")
	}
}

func main() {
	log.Info().Msg("starting market simulation")

	sc, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise simulation client")
	}

	base := time.Now().UTC().Truncate(time.Hour)
	for i := 0; i < numTicks; i++ {
		timestamp := base.Add(time.Duration(i) * 15 * time.Minute).Format(time.RFC3339)
		sc.simulateTick(timestamp)
	}

	sc.printStats()
	log.Info().Msg("simulation complete")
}
