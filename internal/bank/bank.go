package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/logger"

	"dlottery/internal/models"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrNonceMismatch       = errors.New("nonce mismatch")
)

// ReceiveHook runs when an account is credited by a payout. Returning an
// error rejects the transfer and rolls it back.
type ReceiveHook func(ctx context.Context, from common.Address, amount *big.Int) error

// LedgerStore persists the balances. LoadLedger returns nil, nil when
// nothing has been stored yet.
type LedgerStore interface {
	LoadLedger(ctx context.Context) (*models.Ledger, error)
	SaveLedger(ctx context.Context, l *models.Ledger) error
}

// Bank keeps account balances in wei and holds the lottery's funds in a
// single custody account. When it has a store, every mutation is saved
// before it returns and reverted if the save fails.
type Bank struct {
	mu       sync.Mutex
	custody  common.Address
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	hooks    map[common.Address]ReceiveHook
	store    LedgerStore
}

// NewBank creates an in-memory bank whose custody account is owned by the
// lottery.
func NewBank(custody common.Address) *Bank {
	return &Bank{
		custody:  custody,
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		hooks:    make(map[common.Address]ReceiveHook),
	}
}

// OpenBank creates a bank backed by store and restores the saved ledger.
func OpenBank(ctx context.Context, custody common.Address, store LedgerStore) (*Bank, error) {
	b := NewBank(custody)
	b.store = store
	l, err := store.LoadLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if l != nil {
		for addr, bal := range l.Balances {
			if bal != nil {
				b.balances[addr] = new(big.Int).Set(bal)
			}
		}
		for addr, n := range l.Nonces {
			b.nonces[addr] = n
		}
		logger.Infof("bank: restored %d accounts, custody holds %s wei", len(b.balances), b.balanceOf(custody).String())
	}
	return b, nil
}

// Custody returns the address of the account holding the pool.
func (b *Bank) Custody() common.Address {
	return b.custody
}

// Fund mints amount into addr. It is only used for development networks.
func (b *Bank) Fund(ctx context.Context, addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(addr, amount)
	if err := b.persist(ctx); err != nil {
		b.mustDebit(addr, amount)
		return err
	}
	return nil
}

// BalanceOf returns a copy of the balance held by addr.
func (b *Bank) BalanceOf(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balanceOf(addr)
}

// Nonce returns the nonce the next signed entry of addr must carry.
func (b *Bank) Nonce(addr common.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[addr]
}

// UseNonce consumes nonce for addr. It fails with ErrNonceMismatch unless
// nonce is the account's current one, so a signed entry is accepted once.
func (b *Bank) UseNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.nonces[addr]
	if nonce != cur {
		return fmt.Errorf("%w: have %d, want %d", ErrNonceMismatch, nonce, cur)
	}
	b.nonces[addr] = cur + 1
	if err := b.persist(ctx); err != nil {
		b.nonces[addr] = cur
		return err
	}
	return nil
}

// SetReceiveHook installs a hook invoked whenever addr receives a payout.
// A nil hook removes it.
func (b *Bank) SetReceiveHook(addr common.Address, hook ReceiveHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hook == nil {
		delete(b.hooks, addr)
		return
	}
	b.hooks[addr] = hook
}

// Collect moves amount from the sender into custody.
func (b *Bank) Collect(ctx context.Context, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.move(ctx, from, b.custody, amount); err != nil {
		return fmt.Errorf("collect from %s: %w", from.Hex(), err)
	}
	return nil
}

// Refund moves amount from custody back to the sender. It undoes a Collect
// whose admission could not be committed.
func (b *Bank) Refund(ctx context.Context, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.move(ctx, b.custody, to, amount); err != nil {
		return fmt.Errorf("refund to %s: %w", to.Hex(), err)
	}
	return nil
}

// Pay transfers amount out of custody to the recipient. The recipient's
// receive hook runs with the bank unlocked, so it may call back into the
// lottery. If the hook fails the transfer is reverted.
func (b *Bank) Pay(ctx context.Context, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	if err := b.move(ctx, b.custody, to, amount); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("pay %s: %w", to.Hex(), err)
	}
	hook := b.hooks[to]
	b.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, b.custody, amount); err != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		if rerr := b.move(ctx, to, b.custody, amount); rerr != nil {
			logger.Errorf("bank: cannot revert payout to %s: %v", to.Hex(), rerr)
		}
		return fmt.Errorf("recipient %s rejected transfer: %w", to.Hex(), err)
	}
	return nil
}

// move transfers amount and saves the ledger, undoing the transfer if the
// save fails. Callers hold mu.
func (b *Bank) move(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := b.debit(from, amount); err != nil {
		return err
	}
	b.credit(to, amount)
	if err := b.persist(ctx); err != nil {
		b.mustDebit(to, amount)
		b.credit(from, amount)
		return err
	}
	return nil
}

func (b *Bank) persist(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	l := &models.Ledger{
		Balances: make(map[common.Address]*big.Int, len(b.balances)),
		Nonces:   make(map[common.Address]uint64, len(b.nonces)),
	}
	for addr, bal := range b.balances {
		l.Balances[addr] = new(big.Int).Set(bal)
	}
	for addr, n := range b.nonces {
		l.Nonces[addr] = n
	}
	if err := b.store.SaveLedger(ctx, l); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

func (b *Bank) balanceOf(addr common.Address) *big.Int {
	if bal, ok := b.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (b *Bank) debit(addr common.Address, amount *big.Int) error {
	bal, ok := b.balances[addr]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	return nil
}

// mustDebit undoes a credit made under the same lock.
func (b *Bank) mustDebit(addr common.Address, amount *big.Int) {
	b.balances[addr].Sub(b.balances[addr], amount)
}

func (b *Bank) credit(addr common.Address, amount *big.Int) {
	bal, ok := b.balances[addr]
	if !ok {
		bal = new(big.Int)
		b.balances[addr] = bal
	}
	bal.Add(bal, amount)
}
