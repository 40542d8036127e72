package models

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// User represents a registered user and the address they act as
type User struct {
	ID           int
	Username     string
	PasswordHash string
	Address      common.Address
	CreatedAt    time.Time
}

// DealStatus is the lifecycle state of a deal. The numeric values are part of
// the public API and must not be reordered.
type DealStatus uint8

const (
	DealPending DealStatus = iota
	DealShipped
	DealCompleted
	DealCancelled
	DealDisputed
	DealResolved
)

var dealStatusNames = [...]string{"PENDING", "SHIPPED", "COMPLETED", "CANCELLED", "DISPUTED", "RESOLVED"}

func (s DealStatus) String() string {
	if int(s) < len(dealStatusNames) {
		return dealStatusNames[s]
	}
	return fmt.Sprintf("DealStatus(%d)", uint8(s))
}

// Valid reports whether the status value is within the supported range.
func (s DealStatus) Valid() bool {
	return s <= DealResolved
}

// Terminal reports whether no further transition is possible.
func (s DealStatus) Terminal() bool {
	return s == DealCompleted || s == DealCancelled || s == DealResolved
}

// Escrowed reports whether a deal in this status still holds locked funds.
func (s DealStatus) Escrowed() bool {
	return s == DealPending || s == DealShipped || s == DealDisputed
}

// Listing is a seller's standing offer to sell an item at a fixed price
type Listing struct {
	ID          uint64         `json:"id"`
	Seller      common.Address `json:"seller"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Price       *uint256.Int   `json:"price"`
	IsActive    bool           `json:"is_active"`
}

// Clone returns a deep copy so callers can mutate it without touching stored state.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Price = cloneAmount(l.Price)
	return &clone
}

// Deal is an accepted purchase tracked through escrow to settlement
type Deal struct {
	ID        uint64         `json:"id"`
	ListingID uint64         `json:"listing_id"`
	Seller    common.Address `json:"seller"`
	Buyer     common.Address `json:"buyer"`
	Amount    *uint256.Int   `json:"amount"`
	Status    DealStatus     `json:"status"`
	ShippedAt int64          `json:"shipped_at"` // unix seconds, zero until shipped
}

// Clone returns a deep copy of the deal.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Amount = cloneAmount(d.Amount)
	return &clone
}

// IsParty reports whether addr is the buyer or the seller of the deal.
func (d *Deal) IsParty(addr common.Address) bool {
	return addr == d.Buyer || addr == d.Seller
}

// EventType names a committed state change.
type EventType string

const (
	EventListingCreated  EventType = "ListingCreated"
	EventGrantAdmin      EventType = "GrantAdmin"
	EventRevokeAdmin     EventType = "RevokeAdmin"
	EventDealCreated     EventType = "DealCreated"
	EventItemShipped     EventType = "ItemShipped"
	EventDealCompleted   EventType = "DealCompleted"
	EventDealCancelled   EventType = "DealCancelled"
	EventDisputeRaised   EventType = "DisputeRaised"
	EventDisputeResolved EventType = "DisputeResolved"
	EventFundsWithdrawn  EventType = "FundsWithdrawn"
	EventFundsReceived   EventType = "FundsReceived"
)

// Event is a structured log record of a committed operation. Actor is the
// caller; Party is the address the event is about (seller of a new listing,
// buyer of a deal, recipient of released funds, granted admin...).
type Event struct {
	Seq         uint64         `json:"seq,omitempty"`
	Type        EventType      `json:"type"`
	ListingID   uint64         `json:"listing_id,omitempty"`
	DealID      uint64         `json:"deal_id,omitempty"`
	Actor       common.Address `json:"actor"`
	Party       common.Address `json:"party"`
	Amount      *uint256.Int   `json:"amount,omitempty"`
	FavorSeller bool           `json:"favor_seller,omitempty"`
	HasData     bool           `json:"has_data,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
