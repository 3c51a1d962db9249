package token

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

var (
	testVault = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testToken = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testOwner = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func TestMemoryBalancesAndMint(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testVault)

	bal, err := m.BalanceOf(ctx, testToken, testOwner)
	require.NoError(t, err)
	assert.Zero(t, bal.Sign())

	m.Mint(testToken, testOwner, big.NewInt(500))
	bal, err = m.BalanceOf(ctx, testToken, testOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal.Int64())
}

func TestMemoryDecimalsDefaultAndOverride(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testVault)

	d, err := m.Decimals(ctx, testToken)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), d)

	m.SetDecimals(testToken, 6)
	d, err = m.Decimals(ctx, testToken)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), d)
}

func TestMemoryTransferSpendsVault(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testVault)
	m.Mint(testToken, testVault, big.NewInt(100))

	require.NoError(t, m.Transfer(ctx, testToken, testOwner, big.NewInt(40)))

	vaultBal, _ := m.BalanceOf(ctx, testToken, testVault)
	ownerBal, _ := m.BalanceOf(ctx, testToken, testOwner)
	assert.Equal(t, int64(60), vaultBal.Int64())
	assert.Equal(t, int64(40), ownerBal.Int64())
}

func TestMemoryTransferInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testVault)

	err := m.Transfer(ctx, testToken, testOwner, big.NewInt(1))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestMemoryTransferFromConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testVault)
	m.Mint(testToken, testOwner, big.NewInt(100))
	m.Approve(testToken, testOwner, big.NewInt(70))

	require.NoError(t, m.TransferFrom(ctx, testToken, testOwner, testVault, big.NewInt(30)))

	a, err := m.Allowance(ctx, testToken, testOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(40), a.Int64())

	vaultBal, _ := m.BalanceOf(ctx, testToken, testVault)
	assert.Equal(t, int64(30), vaultBal.Int64())
}

func TestMemoryTransferFromInsufficientAllowance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testVault)
	m.Mint(testToken, testOwner, big.NewInt(100))
	m.Approve(testToken, testOwner, big.NewInt(10))

	err := m.TransferFrom(ctx, testToken, testOwner, testVault, big.NewInt(30))
	require.ErrorIs(t, err, domain.ErrInsufficientAllowance)

	// Failed transfer leaves both sides untouched.
	a, _ := m.Allowance(ctx, testToken, testOwner)
	bal, _ := m.BalanceOf(ctx, testToken, testOwner)
	assert.Equal(t, int64(10), a.Int64())
	assert.Equal(t, int64(100), bal.Int64())
}

func TestMemoryTransferFromFailsBeforeAllowanceDebit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testVault)
	// Allowance covers the amount but the balance does not.
	m.Approve(testToken, testOwner, big.NewInt(50))

	err := m.TransferFrom(ctx, testToken, testOwner, testVault, big.NewInt(50))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	a, _ := m.Allowance(ctx, testToken, testOwner)
	assert.Equal(t, int64(50), a.Int64())
}

func TestMemoryIncreaseAllowance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testVault)
	m.Approve(testToken, testOwner, big.NewInt(20))
	m.IncreaseAllowance(testToken, testOwner, big.NewInt(5))

	a, err := m.Allowance(ctx, testToken, testOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(25), a.Int64())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testVault)
	m.Mint(testToken, testOwner, big.NewInt(10))

	bal, _ := m.BalanceOf(ctx, testToken, testOwner)
	bal.SetInt64(9999)

	again, _ := m.BalanceOf(ctx, testToken, testOwner)
	assert.Equal(t, int64(10), again.Int64())
}
