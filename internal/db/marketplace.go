package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/escrowmarket/internal/marketplace"
	"github.com/xtrntr/escrowmarket/internal/models"
)

// Persist stores a committed change set in a single transaction. Events are
// appended to the log and receive their sequence numbers here.
func (db *DB) Persist(ctx context.Context, cs *marketplace.ChangeSet) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the marketplace row so concurrent writers queue behind each other
	_, err = tx.Exec(ctx, "SELECT 1 FROM marketplace WHERE id = 1 FOR UPDATE")
	if err != nil {
		return fmt.Errorf("failed to lock marketplace: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO marketplace (id, owner, next_listing_id, next_deal_id, custody, unattributed)
		VALUES (1, $1, $2, $3, $4::numeric, $5::numeric)
		ON CONFLICT (id) DO UPDATE SET
			next_listing_id = EXCLUDED.next_listing_id,
			next_deal_id = EXCLUDED.next_deal_id,
			custody = EXCLUDED.custody,
			unattributed = EXCLUDED.unattributed`,
		cs.Owner.Hex(), cs.NextListingID, cs.NextDealID, amountArg(cs.Custody), amountArg(cs.Unattributed))
	if err != nil {
		return fmt.Errorf("failed to store marketplace: %w", err)
	}

	for addr, active := range cs.Admins {
		_, err = tx.Exec(ctx,
			"INSERT INTO admins (address, active) VALUES ($1, $2) ON CONFLICT (address) DO UPDATE SET active = EXCLUDED.active",
			addr.Hex(), active)
		if err != nil {
			return fmt.Errorf("failed to store admin: %w", err)
		}
	}

	for _, l := range cs.Listings {
		_, err = tx.Exec(ctx, `
			INSERT INTO listings (id, seller, title, description, price, is_active)
			VALUES ($1, $2, $3, $4, $5::numeric, $6)
			ON CONFLICT (id) DO UPDATE SET is_active = EXCLUDED.is_active`,
			l.ID, l.Seller.Hex(), l.Title, l.Description, amountArg(l.Price), l.IsActive)
		if err != nil {
			return fmt.Errorf("failed to store listing %d: %w", l.ID, err)
		}
	}

	for _, d := range cs.Deals {
		_, err = tx.Exec(ctx, `
			INSERT INTO deals (id, listing_id, seller, buyer, amount, status, shipped_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, shipped_at = EXCLUDED.shipped_at`,
			d.ID, d.ListingID, d.Seller.Hex(), d.Buyer.Hex(), amountArg(d.Amount), int16(d.Status), d.ShippedAt)
		if err != nil {
			return fmt.Errorf("failed to store deal %d: %w", d.ID, err)
		}
	}

	for id, amount := range cs.LockedFunds {
		_, err = tx.Exec(ctx,
			"INSERT INTO locked_funds (deal_id, amount) VALUES ($1, $2::numeric) ON CONFLICT (deal_id) DO UPDATE SET amount = EXCLUDED.amount",
			id, amountArg(amount))
		if err != nil {
			return fmt.Errorf("failed to store locked funds for deal %d: %w", id, err)
		}
	}

	for addr, amount := range cs.Balances {
		_, err = tx.Exec(ctx,
			"INSERT INTO balances (address, amount) VALUES ($1, $2::numeric) ON CONFLICT (address) DO UPDATE SET amount = EXCLUDED.amount",
			addr.Hex(), amountArg(amount))
		if err != nil {
			return fmt.Errorf("failed to store balance: %w", err)
		}
	}

	for i := range cs.Events {
		ev := &cs.Events[i]
		var amount *string
		if ev.Amount != nil {
			s := ev.Amount.Dec()
			amount = &s
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO events (type, listing_id, deal_id, actor, party, amount, favor_seller, has_data, ts)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9) RETURNING seq`,
			string(ev.Type), ev.ListingID, ev.DealID, ev.Actor.Hex(), ev.Party.Hex(), amount,
			ev.FavorSeller, ev.HasData, ev.Timestamp).Scan(&ev.Seq)
		if err != nil {
			return fmt.Errorf("failed to append event %s: %w", ev.Type, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadState reads the persisted marketplace. It returns nil and no error if
// nothing has been stored yet.
func (db *DB) LoadState(ctx context.Context) (*marketplace.State, error) {
	var (
		owner                 string
		custody, unattributed string
	)
	s := &marketplace.State{}
	err := db.Pool.QueryRow(ctx,
		"SELECT owner, next_listing_id, next_deal_id, custody::text, unattributed::text FROM marketplace WHERE id = 1").
		Scan(&owner, &s.NextListingID, &s.NextDealID, &custody, &unattributed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load marketplace: %w", err)
	}
	s.Owner = common.HexToAddress(owner)
	if s.Custody, err = parseAmount(custody); err != nil {
		return nil, err
	}
	if s.Unattributed, err = parseAmount(unattributed); err != nil {
		return nil, err
	}

	if s.Admins, err = db.loadAdmins(ctx); err != nil {
		return nil, err
	}
	if s.Listings, err = db.loadListings(ctx); err != nil {
		return nil, err
	}
	if s.Deals, err = db.loadDeals(ctx); err != nil {
		return nil, err
	}
	if s.LockedFunds, err = db.loadLockedFunds(ctx); err != nil {
		return nil, err
	}
	if s.Balances, err = db.loadBalances(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (db *DB) loadAdmins(ctx context.Context) (map[common.Address]bool, error) {
	rows, err := db.Pool.Query(ctx, "SELECT address, active FROM admins")
	if err != nil {
		return nil, fmt.Errorf("failed to load admins: %w", err)
	}
	defer rows.Close()

	admins := make(map[common.Address]bool)
	for rows.Next() {
		var addr string
		var active bool
		if err := rows.Scan(&addr, &active); err != nil {
			return nil, fmt.Errorf("failed to scan admin: %w", err)
		}
		admins[common.HexToAddress(addr)] = active
	}
	return admins, rows.Err()
}

func (db *DB) loadListings(ctx context.Context) (map[uint64]*models.Listing, error) {
	rows, err := db.Pool.Query(ctx, "SELECT id, seller, title, description, price::text, is_active FROM listings")
	if err != nil {
		return nil, fmt.Errorf("failed to load listings: %w", err)
	}
	defer rows.Close()

	listings := make(map[uint64]*models.Listing)
	for rows.Next() {
		var l models.Listing
		var seller, price string
		if err := rows.Scan(&l.ID, &seller, &l.Title, &l.Description, &price, &l.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		l.Seller = common.HexToAddress(seller)
		if l.Price, err = parseAmount(price); err != nil {
			return nil, err
		}
		listings[l.ID] = &l
	}
	return listings, rows.Err()
}

func (db *DB) loadDeals(ctx context.Context) (map[uint64]*models.Deal, error) {
	rows, err := db.Pool.Query(ctx, "SELECT id, listing_id, seller, buyer, amount::text, status, shipped_at FROM deals")
	if err != nil {
		return nil, fmt.Errorf("failed to load deals: %w", err)
	}
	defer rows.Close()

	deals := make(map[uint64]*models.Deal)
	for rows.Next() {
		var d models.Deal
		var seller, buyer, amount string
		var status int16
		if err := rows.Scan(&d.ID, &d.ListingID, &seller, &buyer, &amount, &status, &d.ShippedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deal: %w", err)
		}
		d.Seller = common.HexToAddress(seller)
		d.Buyer = common.HexToAddress(buyer)
		d.Status = models.DealStatus(status)
		if !d.Status.Valid() {
			return nil, fmt.Errorf("deal %d has invalid status %d", d.ID, status)
		}
		if d.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		deals[d.ID] = &d
	}
	return deals, rows.Err()
}

func (db *DB) loadLockedFunds(ctx context.Context) (map[uint64]*uint256.Int, error) {
	rows, err := db.Pool.Query(ctx, "SELECT deal_id, amount::text FROM locked_funds")
	if err != nil {
		return nil, fmt.Errorf("failed to load locked funds: %w", err)
	}
	defer rows.Close()

	locked := make(map[uint64]*uint256.Int)
	for rows.Next() {
		var id uint64
		var amount string
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan locked funds: %w", err)
		}
		v, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}
		locked[id] = v
	}
	return locked, rows.Err()
}

func (db *DB) loadBalances(ctx context.Context) (map[common.Address]*uint256.Int, error) {
	rows, err := db.Pool.Query(ctx, "SELECT address, amount::text FROM balances")
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[common.Address]*uint256.Int)
	for rows.Next() {
		var addr, amount string
		if err := rows.Scan(&addr, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		v, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}
		balances[common.HexToAddress(addr)] = v
	}
	return balances, rows.Err()
}

// GetEvents returns up to limit logged events with a sequence number greater
// than after, oldest first.
func (db *DB) GetEvents(ctx context.Context, after uint64, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT seq, type, listing_id, deal_id, actor, party, amount::text, favor_seller, has_data, ts
		FROM events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var (
			ev           models.Event
			typ          string
			actor, party string
			amount       *string
		)
		err := rows.Scan(&ev.Seq, &typ, &ev.ListingID, &ev.DealID, &actor, &party, &amount,
			&ev.FavorSeller, &ev.HasData, &ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = models.EventType(typ)
		ev.Actor = common.HexToAddress(actor)
		ev.Party = common.HexToAddress(party)
		if amount != nil {
			if ev.Amount, err = parseAmount(*amount); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// OpenMarketplace restores the persisted marketplace, creating and storing a
// fresh one owned by owner on first start. The returned marketplace persists
// its changes to db.
func (db *DB) OpenMarketplace(ctx context.Context, owner common.Address) (*marketplace.Marketplace, error) {
	state, err := db.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = marketplace.NewState(owner)
		if err := db.Persist(ctx, state.ChangeSet()); err != nil {
			return nil, fmt.Errorf("failed to store new marketplace: %w", err)
		}
	} else if state.Owner != owner {
		return nil, fmt.Errorf("stored marketplace is owned by %s, not %s", state.Owner.Hex(), owner.Hex())
	}

	m, err := marketplace.Restore(state)
	if err != nil {
		return nil, err
	}
	m.SetPersister(db)
	return m, nil
}
