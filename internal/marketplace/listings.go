package marketplace

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xtrntr/escrowmarket/internal/models"
)

// ListItem creates an active listing with caller as seller of record.
func (m *Marketplace) ListItem(ctx context.Context, caller common.Address, title, description string, price *uint256.Int) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var created *models.Listing
	err := m.execute(ctx, "listingItem", func(tx *txn) error {
		if caller == (common.Address{}) {
			return ErrInvalidAddress
		}
		if price == nil || price.IsZero() {
			return ErrInvalidPrice
		}
		if title == "" {
			return ErrEmptyTitle
		}

		created = &models.Listing{
			ID:          tx.cs.NextListingID,
			Seller:      caller,
			Title:       title,
			Description: description,
			Price:       price.Clone(),
			IsActive:    true,
		}
		tx.putListing(created)
		tx.cs.NextListingID++
		tx.emit(models.Event{
			Type:      models.EventListingCreated,
			ListingID: created.ID,
			Actor:     caller,
			Party:     caller,
			Amount:    created.Price,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}
