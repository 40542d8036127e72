package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInsufficientFunds is returned when a debit exceeds the wallet balance.
var ErrInsufficientFunds = errors.New("insufficient wallet funds")

// Store persists wallet balances
type Store interface {
	SetWallet(ctx context.Context, address common.Address, amount *uint256.Int) error
}

// Book tracks the value each address holds outside the marketplace. Value
// attached to purchases and deposits is debited here, and withdrawals are
// credited back through Transfer.
type Book struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
	store    Store
}

// NewBook creates a wallet book seeded with balances. store may be nil.
func NewBook(store Store, balances map[common.Address]*uint256.Int) *Book {
	b := &Book{balances: make(map[common.Address]*uint256.Int), store: store}
	for addr, v := range balances {
		b.balances[addr] = v.Clone()
	}
	return b
}

// Balance returns the funds held by addr.
func (b *Book) Balance(addr common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(addr)
}

// Fund adds amount to the wallet of addr.
func (b *Book) Fund(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, overflow := new(uint256.Int).AddOverflow(b.get(addr), amount)
	if overflow {
		return fmt.Errorf("wallet %s overflows", addr.Hex())
	}
	return b.set(ctx, addr, next)
}

// Debit removes amount from the wallet of addr.
func (b *Book) Debit(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.get(addr)
	if current.Lt(amount) {
		return ErrInsufficientFunds
	}
	return b.set(ctx, addr, new(uint256.Int).Sub(current, amount))
}

// Transfer receives a payout from the marketplace.
func (b *Book) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error {
	return b.Fund(ctx, to, amount)
}

func (b *Book) get(addr common.Address) *uint256.Int {
	if v, ok := b.balances[addr]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (b *Book) set(ctx context.Context, addr common.Address, v *uint256.Int) error {
	if b.store != nil {
		if err := b.store.SetWallet(ctx, addr, v); err != nil {
			return fmt.Errorf("failed to store wallet: %w", err)
		}
	}
	b.balances[addr] = v
	return nil
}
