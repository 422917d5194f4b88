package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gridpool/vpp-market-api/internal/auth"
	"github.com/gridpool/vpp-market-api/internal/clearing"
	"github.com/gridpool/vpp-market-api/internal/database"
	"github.com/gridpool/vpp-market-api/internal/orders"
	"github.com/gridpool/vpp-market-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// A .env file is optional; real deployments set the environment directly
	_ = godotenv.Load()

	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the market API server with graceful shutdown support
// It sets up all required services, database connections, and API routes
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "vpp-market-secret"
	}
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	ordersService := orders.NewService(db)
	ordersHandlers := orders.NewGinHandlers(ordersService)

	clearingService := clearing.NewService(db)
	clearingHandlers := clearing.NewGinHandlers(clearingService)

	// Start the periodic clearing scheduler when enabled
	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer schedulerCancel()

	if os.Getenv("CLEARING_SCHEDULE") != "off" {
		interval := 15 * time.Minute
		if raw := os.Getenv("CLEARING_INTERVAL"); raw != "" {
			if parsed, err := time.ParseDuration(raw); err == nil {
				interval = parsed
			}
		}
		gridPrice := decimal.RequireFromString("0.30")
		if raw := os.Getenv("GRID_PRICE_PER_KWH"); raw != "" {
			if parsed, err := decimal.NewFromString(raw); err == nil && parsed.IsPositive() {
				gridPrice = parsed
			}
		}

		scheduler := clearing.NewScheduler(clearingService, interval, gridPrice)
		go scheduler.Start(schedulerCtx)
	}

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, ordersHandlers, clearingHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop scheduling new clearing runs, then give outstanding operations
	// 5 seconds to complete
	schedulerCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Offer/bid routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	ordersHandlers *orders.GinHandlers,
	clearingHandlers *clearing.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Sell offer routes
		offerGroup := v1.Group("/offers")
		offerGroup.Use(middleware.JWTAuth())
		{
			offerGroup.POST("", ordersHandlers.CreateOfferHandler())
			offerGroup.GET("/:offer_id", ordersHandlers.GetOfferStatusHandler())
			offerGroup.POST("/:offer_id/cancel", ordersHandlers.CancelOfferHandler())
		}

		// Buy bid routes
		bidGroup := v1.Group("/bids")
		bidGroup.Use(middleware.JWTAuth())
		{
			bidGroup.POST("", ordersHandlers.CreateBidHandler())
			bidGroup.GET("/:bid_id", ordersHandlers.GetBidStatusHandler())
			bidGroup.POST("/:bid_id/cancel", ordersHandlers.CancelBidHandler())
		}

		// Market data routes
		marketGroup := v1.Group("/market")
		marketGroup.Use(middleware.JWTAuth())
		{
			marketGroup.GET("/price-history", clearingHandlers.PriceHistoryHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/clearing/run", clearingHandlers.RunClearingHandler())
			internal.GET("/market/snapshots/:timestamp", clearingHandlers.GetSnapshotHandler())
		}
	}
}
