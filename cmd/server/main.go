package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtrntr/escrowmarket/internal/api"
	"github.com/xtrntr/escrowmarket/internal/auth"
	"github.com/xtrntr/escrowmarket/internal/config"
	"github.com/xtrntr/escrowmarket/internal/db"
	"github.com/xtrntr/escrowmarket/internal/logging"
	"github.com/xtrntr/escrowmarket/internal/marketplace"
	"github.com/xtrntr/escrowmarket/internal/metrics"
	"github.com/xtrntr/escrowmarket/internal/stream"
	"github.com/xtrntr/escrowmarket/internal/wallet"
)

// Main entry point: sets up database, marketplace, and HTTP server
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("escrowmarket", "", "").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("escrowmarket", cfg.Environment, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close(ctx)
	if err := database.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// Initialize auth service and the account the marketplace is owned by
	authService := auth.NewAuthService(database, cfg.JwtSecret, cfg.JwtTTL)
	owner, err := authService.EnsureUser(ctx, cfg.OwnerUsername, cfg.OwnerPassword)
	if err != nil {
		logger.Error("failed to ensure owner account", "username", cfg.OwnerUsername, "error", err)
		os.Exit(1)
	}

	market, err := database.OpenMarketplace(ctx, owner.Address)
	if err != nil {
		logger.Error("failed to open marketplace", "error", err)
		os.Exit(1)
	}

	balances, err := database.GetWallets(ctx)
	if err != nil {
		logger.Error("failed to load wallets", "error", err)
		os.Exit(1)
	}
	wallets := wallet.NewBook(database, balances)

	hub := stream.NewHub(cfg.WSPing, originChecker(cfg.CORSOrigins), logger)

	market.SetTransferer(wallets)
	market.SetEmitter(marketplace.MultiEmitter{hub, metrics.EventCounter{}})
	market.SetLogger(logger)

	if err := metrics.RegisterCustody(prometheus.DefaultRegisterer, market.Custody); err != nil {
		logger.Error("failed to register custody gauge", "error", err)
		os.Exit(1)
	}

	// Initialize API handlers
	handler := api.NewHandler(market, authService, wallets, database, logger)
	handler.Faucet = cfg.FaucetAmount

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		TrustProxy:     cfg.TrustProxy,
		Stream:         hub,
		Metrics:        promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}()

	// Start server
	logger.Info("starting server",
		"port", cfg.ServerPort,
		"owner", owner.Address.Hex(),
		"next_listing_id", market.NextListingID(),
		"next_deal_id", market.NextDealID(),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// originChecker accepts websocket upgrades from the configured CORS origins
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
