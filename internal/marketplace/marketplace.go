package marketplace

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xtrntr/escrowmarket/internal/models"
)

// Persister durably stores a committed change set. Persist must be atomic:
// either the whole change set is stored or none of it is.
type Persister interface {
	Persist(ctx context.Context, cs *ChangeSet) error
}

// Transferer moves value out of the marketplace to an external account. It
// may call back into the Marketplace.
type Transferer interface {
	Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error
}

type discardTransferer struct{}

func (discardTransferer) Transfer(context.Context, common.Address, *uint256.Int) error { return nil }

// Marketplace is the escrow state machine. All operations are serialized; the
// only point where another call can interleave is the outbound transfer of a
// withdrawal.
type Marketplace struct {
	mu         sync.Mutex
	state      *State
	persister  Persister
	transferer Transferer
	emitter    Emitter
	nowFn      func() int64
	logger     *slog.Logger
	// dirty is set when memory holds changes the store never accepted.
	dirty bool
}

// New creates a marketplace owned by owner. The owner is an admin from the
// start and can never be reassigned.
func New(owner common.Address) (*Marketplace, error) {
	if owner == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	return Restore(NewState(owner))
}

// Restore wraps a state previously loaded from storage.
func Restore(state *State) (*Marketplace, error) {
	if state == nil {
		return nil, fmt.Errorf("marketplace: nil state")
	}
	if state.Owner == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	state.ensure()
	return &Marketplace{
		state:      state,
		transferer: discardTransferer{},
		emitter:    NoopEmitter{},
		nowFn:      func() int64 { return time.Now().Unix() },
		logger:     slog.Default(),
	}, nil
}

// SetPersister configures where committed change sets are stored. Passing
// nil keeps state in memory only.
func (m *Marketplace) SetPersister(p Persister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persister = p
}

// SetTransferer configures the outbound value transfer used by withdrawals.
// Passing nil resets it to one that only debits custody.
func (m *Marketplace) SetTransferer(t Transferer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t == nil {
		m.transferer = discardTransferer{}
		return
	}
	m.transferer = t
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (m *Marketplace) SetEmitter(e Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e == nil {
		m.emitter = NoopEmitter{}
		return
	}
	m.emitter = e
}

// SetNowFunc overrides the clock. Primarily intended for tests.
func (m *Marketplace) SetNowFunc(now func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now == nil {
		m.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	m.nowFn = now
}

// SetLogger configures the logger used for commit diagnostics.
func (m *Marketplace) SetLogger(l *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l == nil {
		l = slog.Default()
	}
	m.logger = l
}

// execute runs op against a staged transaction and commits the result. The
// caller must hold m.mu.
func (m *Marketplace) execute(ctx context.Context, name string, op func(*txn) error) error {
	tx := newTxn(m.state, m.nowFn())
	if err := op(tx); err != nil {
		return err
	}
	return m.commit(ctx, name, tx.cs)
}

// commit persists cs, applies it to memory and emits its events, in that
// order. A persistence failure leaves memory untouched. While the store is
// behind memory the full state is written first, and nothing commits until
// that succeeds. The caller must hold m.mu.
func (m *Marketplace) commit(ctx context.Context, name string, cs *ChangeSet) error {
	if m.persister != nil {
		if m.dirty {
			if err := m.persister.Persist(ctx, m.state.ChangeSet()); err != nil {
				return fmt.Errorf("failed to resync store before %s: %w", name, err)
			}
			m.dirty = false
			m.logger.Info("store resynced with marketplace state", "op", name)
		}
		if err := m.persister.Persist(ctx, cs); err != nil {
			return fmt.Errorf("failed to persist %s: %w", name, err)
		}
	}
	m.state.apply(cs)
	m.logger.Debug("marketplace commit", "op", name, "events", len(cs.Events),
		"next_listing_id", m.state.NextListingID, "next_deal_id", m.state.NextDealID)
	for _, ev := range cs.Events {
		m.emitter.Emit(ev)
	}
	return nil
}

// Owner returns the immutable owner address.
func (m *Marketplace) Owner() common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Owner
}

// IsAdmin reports whether addr currently holds the admin role.
func (m *Marketplace) IsAdmin(addr common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Admins[addr]
}

// NextListingID returns the id the next listing will receive.
func (m *Marketplace) NextListingID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.NextListingID
}

// NextDealID returns the id the next deal will receive.
func (m *Marketplace) NextDealID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.NextDealID
}

// Listing returns a copy of the listing with the given id.
func (m *Marketplace) Listing(id uint64) (*models.Listing, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.state.Listings[id]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// Deal returns a copy of the deal with the given id.
func (m *Marketplace) Deal(id uint64) (*models.Deal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.state.Deals[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// LockedFunds returns the escrow currently held against a deal; zero for
// unknown or settled deals.
func (m *Marketplace) LockedFunds(dealID uint64) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.state.LockedFunds[dealID]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Balance returns the withdrawable credit of addr.
func (m *Marketplace) Balance(addr common.Address) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.state.Balances[addr]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Custody returns the total value held by the marketplace.
func (m *Marketplace) Custody() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Custody.Clone()
}

// Unattributed returns the part of custody received through Deposit.
func (m *Marketplace) Unattributed() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Unattributed.Clone()
}

// ActiveListings returns every listing still open for purchase, by id.
func (m *Marketplace) ActiveListings() []*models.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Listing, 0, len(m.state.Listings))
	for _, l := range m.state.Listings {
		if l.IsActive {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DealsOf returns every deal where addr is the buyer or the seller, by id.
func (m *Marketplace) DealsOf(addr common.Address) []*models.Deal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Deal
	for _, d := range m.state.Deals {
		if d.IsParty(addr) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
