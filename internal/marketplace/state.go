package marketplace

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xtrntr/escrowmarket/internal/models"
)

// State is the single store shared by every responsibility of the
// marketplace. It is owned by one Marketplace and never mutated directly by
// operations: they stage writes in a txn and the resulting ChangeSet is
// applied once it has been persisted.
type State struct {
	Owner         common.Address
	Admins        map[common.Address]bool
	NextListingID uint64
	NextDealID    uint64
	Listings      map[uint64]*models.Listing
	Deals         map[uint64]*models.Deal
	LockedFunds   map[uint64]*uint256.Int
	Balances      map[common.Address]*uint256.Int
	// Custody is the total value held; Unattributed is the part of it that
	// arrived through Deposit and belongs to nobody.
	Custody      *uint256.Int
	Unattributed *uint256.Int
}

// NewState returns the initial state for a freshly created marketplace.
func NewState(owner common.Address) *State {
	return &State{
		Owner:         owner,
		Admins:        map[common.Address]bool{owner: true},
		NextListingID: 1,
		NextDealID:    1,
		Listings:      make(map[uint64]*models.Listing),
		Deals:         make(map[uint64]*models.Deal),
		LockedFunds:   make(map[uint64]*uint256.Int),
		Balances:      make(map[common.Address]*uint256.Int),
		Custody:       new(uint256.Int),
		Unattributed:  new(uint256.Int),
	}
}

// ensure fills nil maps and amounts, e.g. on a state rebuilt from storage.
func (s *State) ensure() {
	if s.Admins == nil {
		s.Admins = make(map[common.Address]bool)
	}
	if s.Listings == nil {
		s.Listings = make(map[uint64]*models.Listing)
	}
	if s.Deals == nil {
		s.Deals = make(map[uint64]*models.Deal)
	}
	if s.LockedFunds == nil {
		s.LockedFunds = make(map[uint64]*uint256.Int)
	}
	if s.Balances == nil {
		s.Balances = make(map[common.Address]*uint256.Int)
	}
	if s.Custody == nil {
		s.Custody = new(uint256.Int)
	}
	if s.Unattributed == nil {
		s.Unattributed = new(uint256.Int)
	}
	if s.NextListingID == 0 {
		s.NextListingID = 1
	}
	if s.NextDealID == 0 {
		s.NextDealID = 1
	}
}

// ChangeSet returns a change set describing the entire state. Persisting it
// into an empty store reproduces s.
func (s *State) ChangeSet() *ChangeSet {
	cs := newChangeSet(s)
	for addr, ok := range s.Admins {
		cs.Admins[addr] = ok
	}
	for id, l := range s.Listings {
		cs.Listings[id] = l.Clone()
	}
	for id, d := range s.Deals {
		cs.Deals[id] = d.Clone()
	}
	for id, v := range s.LockedFunds {
		cs.LockedFunds[id] = v.Clone()
	}
	for addr, v := range s.Balances {
		cs.Balances[addr] = v.Clone()
	}
	return cs
}

func (s *State) apply(cs *ChangeSet) {
	for addr, ok := range cs.Admins {
		s.Admins[addr] = ok
	}
	for id, l := range cs.Listings {
		s.Listings[id] = l
	}
	for id, d := range cs.Deals {
		s.Deals[id] = d
	}
	for id, v := range cs.LockedFunds {
		s.LockedFunds[id] = v
	}
	for addr, v := range cs.Balances {
		s.Balances[addr] = v
	}
	s.NextListingID = cs.NextListingID
	s.NextDealID = cs.NextDealID
	s.Custody = cs.Custody
	s.Unattributed = cs.Unattributed
}

// ChangeSet is the complete effect of one committed operation: every entry
// written, the counters and totals after the operation, and the events it
// emits. A Persister stores it atomically.
type ChangeSet struct {
	Owner         common.Address
	Admins        map[common.Address]bool
	Listings      map[uint64]*models.Listing
	Deals         map[uint64]*models.Deal
	LockedFunds   map[uint64]*uint256.Int
	Balances      map[common.Address]*uint256.Int
	NextListingID uint64
	NextDealID    uint64
	Custody       *uint256.Int
	Unattributed  *uint256.Int
	Events        []models.Event
}

func newChangeSet(s *State) *ChangeSet {
	return &ChangeSet{
		Owner:         s.Owner,
		Admins:        make(map[common.Address]bool),
		Listings:      make(map[uint64]*models.Listing),
		Deals:         make(map[uint64]*models.Deal),
		LockedFunds:   make(map[uint64]*uint256.Int),
		Balances:      make(map[common.Address]*uint256.Int),
		NextListingID: s.NextListingID,
		NextDealID:    s.NextDealID,
		Custody:       s.Custody.Clone(),
		Unattributed:  s.Unattributed.Clone(),
	}
}

// Empty reports whether the change set writes nothing and emits nothing.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Admins) == 0 && len(cs.Listings) == 0 && len(cs.Deals) == 0 &&
		len(cs.LockedFunds) == 0 && len(cs.Balances) == 0 && len(cs.Events) == 0
}

// txn stages reads and writes of a single operation on top of a State.
type txn struct {
	base *State
	cs   *ChangeSet
	now  int64
}

func newTxn(s *State, now int64) *txn {
	return &txn{base: s, cs: newChangeSet(s), now: now}
}

func (t *txn) isAdmin(addr common.Address) bool {
	if ok, staged := t.cs.Admins[addr]; staged {
		return ok
	}
	return t.base.Admins[addr]
}

func (t *txn) setAdmin(addr common.Address, ok bool) { t.cs.Admins[addr] = ok }

func (t *txn) listing(id uint64) (*models.Listing, bool) {
	if l, ok := t.cs.Listings[id]; ok {
		return l, true
	}
	l, ok := t.base.Listings[id]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

func (t *txn) putListing(l *models.Listing) { t.cs.Listings[l.ID] = l }

func (t *txn) deal(id uint64) (*models.Deal, bool) {
	if d, ok := t.cs.Deals[id]; ok {
		return d, true
	}
	d, ok := t.base.Deals[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

func (t *txn) putDeal(d *models.Deal) { t.cs.Deals[d.ID] = d }

func (t *txn) lockedFunds(id uint64) *uint256.Int {
	if v, ok := t.cs.LockedFunds[id]; ok {
		return v.Clone()
	}
	if v, ok := t.base.LockedFunds[id]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (t *txn) setLockedFunds(id uint64, v *uint256.Int) { t.cs.LockedFunds[id] = v.Clone() }

func (t *txn) balance(addr common.Address) *uint256.Int {
	if v, ok := t.cs.Balances[addr]; ok {
		return v.Clone()
	}
	if v, ok := t.base.Balances[addr]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (t *txn) setBalance(addr common.Address, v *uint256.Int) { t.cs.Balances[addr] = v.Clone() }

// credit adds amount to the withdrawable balance of addr. The sum cannot
// overflow: every balance is bounded by custody.
func (t *txn) credit(addr common.Address, amount *uint256.Int) {
	t.setBalance(addr, new(uint256.Int).Add(t.balance(addr), amount))
}

// release zeroes the escrow held against a deal and returns the amount.
func (t *txn) release(dealID uint64) *uint256.Int {
	amount := t.lockedFunds(dealID)
	t.setLockedFunds(dealID, new(uint256.Int))
	return amount
}

func (t *txn) emit(ev models.Event) {
	ev.Timestamp = t.now
	if ev.Amount != nil {
		ev.Amount = ev.Amount.Clone()
	}
	t.cs.Events = append(t.cs.Events, ev)
}
