package main

import (
	"context"
	"fmt"
	"os"

	"github.com/holiman/uint256"

	"github.com/xtrntr/escrowmarket/internal/auth"
	"github.com/xtrntr/escrowmarket/internal/config"
	"github.com/xtrntr/escrowmarket/internal/db"
	"github.com/xtrntr/escrowmarket/internal/logging"
	"github.com/xtrntr/escrowmarket/internal/wallet"
)

const demoPassword = "password123"

var demoListings = []struct {
	title, description, price string
}{
	{"Mechanical keyboard", "Brown switches, barely used", "120000000000000000"},
	{"Road bike", "56cm frame, new tyres", "900000000000000000"},
	{"Film camera", "35mm rangefinder with case", "350000000000000000"},
}

// Seed the database with demo users and a few deals in different states
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("escrowmarket-seed", cfg.Environment, "")
	ctx := context.Background()

	// Connect to database
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

	authService := auth.NewAuthService(database, cfg.JwtSecret, cfg.JwtTTL)
	owner, err := authService.EnsureUser(ctx, cfg.OwnerUsername, cfg.OwnerPassword)
	if err != nil {
		logger.Error("failed to ensure owner account", "error", err)
		os.Exit(1)
	}

	market, err := database.OpenMarketplace(ctx, owner.Address)
	if err != nil {
		logger.Error("failed to open marketplace", "error", err)
		os.Exit(1)
	}

	// First check if we already have listings
	if market.NextListingID() > 1 {
		fmt.Printf("Marketplace already has %d listings. No need to seed.\n", market.NextListingID()-1)
		return
	}

	balances, err := database.GetWallets(ctx)
	if err != nil {
		logger.Error("failed to load wallets", "error", err)
		os.Exit(1)
	}
	wallets := wallet.NewBook(database, balances)
	market.SetTransferer(wallets)
	market.SetLogger(logger)

	// Create demo users
	seller, err := authService.EnsureUser(ctx, "seller1", demoPassword)
	if err != nil {
		logger.Error("failed to create seller", "error", err)
		os.Exit(1)
	}
	buyer, err := authService.EnsureUser(ctx, "buyer1", demoPassword)
	if err != nil {
		logger.Error("failed to create buyer", "error", err)
		os.Exit(1)
	}
	if err := wallets.Fund(ctx, buyer.Address, uint256.MustFromDecimal("5000000000000000000")); err != nil {
		logger.Error("failed to fund buyer", "error", err)
		os.Exit(1)
	}

	var listingIDs []uint64
	for _, item := range demoListings {
		l, err := market.ListItem(ctx, seller.Address, item.title, item.description, uint256.MustFromDecimal(item.price))
		if err != nil {
			logger.Error("failed to list item", "title", item.title, "error", err)
			os.Exit(1)
		}
		listingIDs = append(listingIDs, l.ID)
	}

	// Buy the first listing and walk it through to a completed sale
	first, _ := market.Listing(listingIDs[0])
	if err := wallets.Debit(ctx, buyer.Address, first.Price); err != nil {
		logger.Error("failed to pay for listing", "error", err)
		os.Exit(1)
	}
	deal, err := market.PurchaseItem(ctx, buyer.Address, first.ID, first.Price)
	if err != nil {
		logger.Error("failed to purchase item", "error", err)
		os.Exit(1)
	}
	if err := market.MarkAsShipped(ctx, seller.Address, deal.ID); err != nil {
		logger.Error("failed to ship deal", "error", err)
		os.Exit(1)
	}
	if err := market.ConfirmReceipt(ctx, buyer.Address, deal.ID); err != nil {
		logger.Error("failed to confirm deal", "error", err)
		os.Exit(1)
	}
	amount, err := market.WithdrawBalance(ctx, seller.Address)
	if err != nil {
		logger.Error("failed to withdraw", "error", err)
		os.Exit(1)
	}

	// Leave the second listing in escrow so the UI has a pending deal
	second, _ := market.Listing(listingIDs[1])
	if err := wallets.Debit(ctx, buyer.Address, second.Price); err != nil {
		logger.Error("failed to pay for listing", "error", err)
		os.Exit(1)
	}
	pending, err := market.PurchaseItem(ctx, buyer.Address, second.ID, second.Price)
	if err != nil {
		logger.Error("failed to purchase item", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Seeded %d listings; deal %d completed (%s withdrawn), deal %d pending.\n",
		len(listingIDs), deal.ID, amount.Dec(), pending.ID)
	fmt.Printf("Log in as seller1 or buyer1 with password %q.\n", demoPassword)
}
