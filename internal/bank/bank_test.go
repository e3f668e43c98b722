package bank

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlottery/internal/models"
)

var (
	custody = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	alice   = common.HexToAddress("0x000000000000000000000000000000000000a11c")
)

func TestBank_CollectAndPay(t *testing.T) {
	ctx := context.Background()
	b := NewBank(custody)
	require.NoError(t, b.Fund(ctx, alice, big.NewInt(100)))

	require.NoError(t, b.Collect(ctx, alice, big.NewInt(30)))
	assert.Equal(t, big.NewInt(70), b.BalanceOf(alice))
	assert.Equal(t, big.NewInt(30), b.BalanceOf(custody))

	err := b.Collect(ctx, alice, big.NewInt(71))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, big.NewInt(70), b.BalanceOf(alice))

	require.NoError(t, b.Pay(ctx, alice, big.NewInt(30)))
	assert.Equal(t, big.NewInt(100), b.BalanceOf(alice))
	assert.Equal(t, 0, b.BalanceOf(custody).Sign())

	assert.ErrorIs(t, b.Pay(ctx, alice, big.NewInt(1)), ErrInsufficientBalance)
}

func TestBank_RejectingRecipient(t *testing.T) {
	ctx := context.Background()
	b := NewBank(custody)
	require.NoError(t, b.Fund(ctx, alice, big.NewInt(10)))
	require.NoError(t, b.Collect(ctx, alice, big.NewInt(10)))

	rejected := errors.New("no thanks")
	b.SetReceiveHook(alice, func(context.Context, common.Address, *big.Int) error { return rejected })

	err := b.Pay(ctx, alice, big.NewInt(10))
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, 0, b.BalanceOf(alice).Sign())
	assert.Equal(t, big.NewInt(10), b.BalanceOf(custody))

	b.SetReceiveHook(alice, nil)
	require.NoError(t, b.Pay(ctx, alice, big.NewInt(10)))
	assert.Equal(t, big.NewInt(10), b.BalanceOf(alice))
}

func TestBank_InvalidAmounts(t *testing.T) {
	ctx := context.Background()
	b := NewBank(custody)
	assert.ErrorIs(t, b.Fund(ctx, alice, big.NewInt(0)), ErrInvalidAmount)
	assert.ErrorIs(t, b.Collect(ctx, alice, big.NewInt(-1)), ErrInvalidAmount)
}

func TestBank_Nonces(t *testing.T) {
	ctx := context.Background()
	b := NewBank(custody)
	assert.Equal(t, uint64(0), b.Nonce(alice))

	require.NoError(t, b.UseNonce(ctx, alice, 0))
	assert.Equal(t, uint64(1), b.Nonce(alice))
	assert.ErrorIs(t, b.UseNonce(ctx, alice, 0), ErrNonceMismatch)
	assert.ErrorIs(t, b.UseNonce(ctx, alice, 5), ErrNonceMismatch)
	assert.Equal(t, uint64(1), b.Nonce(alice))
}

type ledgerStore struct {
	saved *models.Ledger
	fail  bool
}

func (s *ledgerStore) LoadLedger(context.Context) (*models.Ledger, error) {
	return s.saved, nil
}

func (s *ledgerStore) SaveLedger(_ context.Context, l *models.Ledger) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.saved = l
	return nil
}

func TestOpenBank_RestoresLedger(t *testing.T) {
	ctx := context.Background()
	st := &ledgerStore{}
	b, err := OpenBank(ctx, custody, st)
	require.NoError(t, err)
	require.NoError(t, b.Fund(ctx, alice, big.NewInt(50)))
	require.NoError(t, b.Collect(ctx, alice, big.NewInt(20)))
	require.NoError(t, b.UseNonce(ctx, alice, 0))

	restarted, err := OpenBank(ctx, custody, st)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(30), restarted.BalanceOf(alice))
	assert.Equal(t, big.NewInt(20), restarted.BalanceOf(custody))
	assert.Equal(t, uint64(1), restarted.Nonce(alice))
}

func TestBank_FailedSaveRevertsTransfer(t *testing.T) {
	ctx := context.Background()
	st := &ledgerStore{}
	b, err := OpenBank(ctx, custody, st)
	require.NoError(t, err)
	require.NoError(t, b.Fund(ctx, alice, big.NewInt(50)))

	st.fail = true
	assert.Error(t, b.Collect(ctx, alice, big.NewInt(20)))
	assert.Equal(t, big.NewInt(50), b.BalanceOf(alice))
	assert.Equal(t, 0, b.BalanceOf(custody).Sign())
	assert.Error(t, b.UseNonce(ctx, alice, 0))
	assert.Equal(t, uint64(0), b.Nonce(alice))
}
