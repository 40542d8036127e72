package marketplace

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xtrntr/escrowmarket/internal/models"
)

// GrantAdmin gives addr the admin role. Only the owner may call it. Granting
// an existing admin succeeds and emits the event again.
func (m *Marketplace) GrantAdmin(ctx context.Context, caller, addr common.Address) error {
	return m.setAdmin(ctx, caller, addr, true)
}

// RevokeAdmin removes the admin role from addr. Only the owner may call it.
// Revoking a non-admin succeeds.
func (m *Marketplace) RevokeAdmin(ctx context.Context, caller, addr common.Address) error {
	return m.setAdmin(ctx, caller, addr, false)
}

func (m *Marketplace) setAdmin(ctx context.Context, caller, addr common.Address, grant bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name, evType := "revokeAdmin", models.EventRevokeAdmin
	if grant {
		name, evType = "grantAdmin", models.EventGrantAdmin
	}
	return m.execute(ctx, name, func(tx *txn) error {
		if caller != tx.base.Owner {
			return ErrNotOwner
		}
		if addr == (common.Address{}) {
			return ErrInvalidAddress
		}
		tx.setAdmin(addr, grant)
		tx.emit(models.Event{Type: evType, Actor: caller, Party: addr})
		return nil
	})
}

// requireAdmin is the capability check of admin-only operations.
func requireAdmin(tx *txn, caller common.Address) error {
	if !tx.isAdmin(caller) {
		return ErrNotAdmin
	}
	return nil
}
