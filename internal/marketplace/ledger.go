package marketplace

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xtrntr/escrowmarket/internal/models"
)

// WithdrawBalance pays out the caller's entire withdrawable balance.
//
// The zeroed balance is committed before the outbound transfer and the engine
// lock is released while it runs, so a transfer that re-enters the
// marketplace sees a zero balance. If the transfer fails the balance is
// restored, in memory even when the store rejects the restore, and the
// withdrawal reports ErrTransferFailed.
func (m *Marketplace) WithdrawBalance(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	var amount *uint256.Int
	err := m.execute(ctx, "withdrawBalance", func(tx *txn) error {
		amount = tx.balance(caller)
		if amount.IsZero() {
			return ErrInsufficientBalance
		}
		tx.setBalance(caller, new(uint256.Int))
		tx.cs.Custody = new(uint256.Int).Sub(tx.cs.Custody, amount)
		return nil
	})
	transferer := m.transferer
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	transferErr := transferer.Transfer(ctx, caller, amount.Clone())

	m.mu.Lock()
	defer m.mu.Unlock()
	if transferErr != nil {
		restore := newTxn(m.state, m.nowFn())
		restore.credit(caller, amount)
		restore.cs.Custody = new(uint256.Int).Add(restore.cs.Custody, amount)
		if err := m.commit(ctx, "restoreBalance", restore.cs); err != nil {
			// The value never left, so memory keeps it and the store is
			// rewritten in full before the next commit.
			m.state.apply(restore.cs)
			m.dirty = true
			m.logger.Error("failed to persist restored balance after failed transfer",
				"account", caller.Hex(), "amount", amount.Dec(), "error", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, transferErr)
	}

	err = m.execute(ctx, "fundsWithdrawn", func(tx *txn) error {
		tx.emit(models.Event{
			Type:   models.EventFundsWithdrawn,
			Actor:  caller,
			Party:  caller,
			Amount: amount,
		})
		return nil
	})
	if err != nil {
		// The value has left; only the event record is missing.
		m.logger.Error("failed to record withdrawal", "account", caller.Hex(), "amount", amount.Dec(), "error", err)
	}
	return amount, nil
}

// Deposit accepts value sent to the marketplace without selecting an
// operation (with or without call data). The value joins custody but is
// credited to nobody and cannot be withdrawn.
func (m *Marketplace) Deposit(ctx context.Context, from common.Address, value *uint256.Int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if value == nil {
		value = new(uint256.Int)
	}
	return m.execute(ctx, "receive", func(tx *txn) error {
		custody, overflow := new(uint256.Int).AddOverflow(tx.cs.Custody, value)
		if overflow {
			return ErrValueOverflow
		}
		tx.cs.Custody = custody
		tx.cs.Unattributed = new(uint256.Int).Add(tx.cs.Unattributed, value)
		tx.emit(models.Event{
			Type:    models.EventFundsReceived,
			Actor:   from,
			Party:   from,
			Amount:  value,
			HasData: len(data) > 0,
		})
		return nil
	})
}
