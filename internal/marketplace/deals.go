package marketplace

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xtrntr/escrowmarket/internal/models"
)

// PurchaseItem buys an active listing, locking value in escrow against a new
// pending deal. Guards are checked in a fixed order so the first violated one
// is always the one reported: existence, active, price match, self-purchase.
func (m *Marketplace) PurchaseItem(ctx context.Context, caller common.Address, listingID uint64, value *uint256.Int) (*models.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if value == nil {
		value = new(uint256.Int)
	}
	var created *models.Deal
	err := m.execute(ctx, "purchaseItem", func(tx *txn) error {
		if caller == (common.Address{}) {
			return ErrInvalidAddress
		}
		listing, ok := tx.listing(listingID)
		if !ok {
			return ErrListingNotFound
		}
		if !listing.IsActive {
			return ErrListingNotActive
		}
		if !value.Eq(listing.Price) {
			return ErrInvalidPrice
		}
		if caller == listing.Seller {
			return ErrCannotBuyOwnItem
		}
		custody, overflow := new(uint256.Int).AddOverflow(tx.cs.Custody, value)
		if overflow {
			return ErrValueOverflow
		}

		listing.IsActive = false
		tx.putListing(listing)

		created = &models.Deal{
			ID:        tx.cs.NextDealID,
			ListingID: listing.ID,
			Seller:    listing.Seller,
			Buyer:     caller,
			Amount:    listing.Price.Clone(),
			Status:    models.DealPending,
		}
		tx.putDeal(created)
		tx.cs.NextDealID++
		tx.setLockedFunds(created.ID, created.Amount)
		tx.cs.Custody = custody

		tx.emit(models.Event{
			Type:      models.EventDealCreated,
			ListingID: listing.ID,
			DealID:    created.ID,
			Actor:     caller,
			Party:     caller,
			Amount:    created.Amount,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// MarkAsShipped records that the seller has shipped the item of a pending deal.
func (m *Marketplace) MarkAsShipped(ctx context.Context, caller common.Address, dealID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.execute(ctx, "markAsShipped", func(tx *txn) error {
		deal, ok := tx.deal(dealID)
		if !ok {
			return ErrDealNotFound
		}
		if caller != deal.Seller {
			return ErrOnlySeller
		}
		if deal.Status != models.DealPending {
			return ErrDealNotPending
		}
		deal.Status = models.DealShipped
		deal.ShippedAt = tx.now
		tx.putDeal(deal)
		tx.emit(models.Event{
			Type:      models.EventItemShipped,
			ListingID: deal.ListingID,
			DealID:    deal.ID,
			Actor:     caller,
			Party:     deal.Buyer,
		})
		return nil
	})
}

// ConfirmReceipt completes a shipped deal and credits the seller.
func (m *Marketplace) ConfirmReceipt(ctx context.Context, caller common.Address, dealID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.execute(ctx, "confirmReceipt", func(tx *txn) error {
		deal, ok := tx.deal(dealID)
		if !ok {
			return ErrDealNotFound
		}
		if caller != deal.Buyer {
			return ErrOnlyBuyer
		}
		if deal.Status != models.DealShipped {
			return ErrDealNotShipped
		}
		deal.Status = models.DealCompleted
		tx.putDeal(deal)
		amount := tx.release(deal.ID)
		tx.credit(deal.Seller, amount)
		tx.emit(models.Event{
			Type:      models.EventDealCompleted,
			ListingID: deal.ListingID,
			DealID:    deal.ID,
			Actor:     caller,
			Party:     deal.Seller,
			Amount:    amount,
		})
		return nil
	})
}

// CancelDeal cancels a pending deal at the request of either party and
// credits the buyer.
func (m *Marketplace) CancelDeal(ctx context.Context, caller common.Address, dealID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.execute(ctx, "cancelDeal", func(tx *txn) error {
		deal, ok := tx.deal(dealID)
		if !ok {
			return ErrDealNotFound
		}
		if !deal.IsParty(caller) {
			return ErrOnlyBuyerOrSeller
		}
		if deal.Status != models.DealPending {
			return ErrDealNotPending
		}
		deal.Status = models.DealCancelled
		tx.putDeal(deal)
		amount := tx.release(deal.ID)
		tx.credit(deal.Buyer, amount)
		tx.emit(models.Event{
			Type:      models.EventDealCancelled,
			ListingID: deal.ListingID,
			DealID:    deal.ID,
			Actor:     caller,
			Party:     deal.Buyer,
			Amount:    amount,
		})
		return nil
	})
}

// RaiseDispute moves a pending or shipped deal into arbitration. Funds stay
// locked until an admin resolves it.
func (m *Marketplace) RaiseDispute(ctx context.Context, caller common.Address, dealID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.execute(ctx, "raiseDispute", func(tx *txn) error {
		deal, ok := tx.deal(dealID)
		if !ok {
			return ErrDealNotFound
		}
		if !deal.IsParty(caller) {
			return ErrOnlyBuyerOrSeller
		}
		if deal.Status != models.DealPending && deal.Status != models.DealShipped {
			return ErrDealNotPending
		}
		deal.Status = models.DealDisputed
		tx.putDeal(deal)
		tx.emit(models.Event{
			Type:      models.EventDisputeRaised,
			ListingID: deal.ListingID,
			DealID:    deal.ID,
			Actor:     caller,
			Party:     caller,
		})
		return nil
	})
}

// ResolveDispute settles a disputed deal, crediting the seller when
// favorSeller is set and the buyer otherwise. Admin only.
func (m *Marketplace) ResolveDispute(ctx context.Context, caller common.Address, dealID uint64, favorSeller bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.execute(ctx, "resolveDispute", func(tx *txn) error {
		if err := requireAdmin(tx, caller); err != nil {
			return err
		}
		deal, ok := tx.deal(dealID)
		if !ok {
			return ErrDealNotFound
		}
		if deal.Status != models.DealDisputed {
			return ErrDealNotDisputed
		}
		recipient := deal.Buyer
		if favorSeller {
			recipient = deal.Seller
		}
		deal.Status = models.DealResolved
		tx.putDeal(deal)
		amount := tx.release(deal.ID)
		tx.credit(recipient, amount)
		tx.emit(models.Event{
			Type:        models.EventDisputeResolved,
			ListingID:   deal.ListingID,
			DealID:      deal.ID,
			Actor:       caller,
			Party:       recipient,
			Amount:      amount,
			FavorSeller: favorSeller,
		})
		return nil
	})
}
