// Package token provides TokenBridge implementations: an in-memory simulator
// for tests and sim mode, and a go-ethereum ERC-20 client in the eth
// subpackage.
package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

// Memory is a deterministic in-memory token ledger implementing
// domain.TokenBridge. Balances and protocol authorizations are tracked per
// token; transfers either fully apply or fail without effect, matching the
// synchronous-and-atomic contract of the interface.
type Memory struct {
	mu         sync.Mutex
	vault      common.Address
	decimals   map[common.Address]uint8
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

// NewMemory creates an empty simulator whose Transfer calls spend from vault.
func NewMemory(vault common.Address) *Memory {
	return &Memory{
		vault:      vault,
		decimals:   make(map[common.Address]uint8),
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// SetDecimals overrides the default of 18 decimals for a token.
func (m *Memory) SetDecimals(token common.Address, decimals uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decimals[token] = decimals
}

// Mint credits an account out of thin air. Test/seed helper.
func (m *Memory) Mint(token, account common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balance(token, account)
	bal.Add(bal, amount)
}

// Approve sets the account's authorization to the protocol to an absolute
// value, mirroring ERC-20 approve.
func (m *Memory) Approve(token, owner common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowanceRef(token, owner).Set(amount)
}

// IncreaseAllowance adds to the account's authorization, mirroring ERC-20
// increaseAllowance.
func (m *Memory) IncreaseAllowance(token, owner common.Address, delta *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.allowanceRef(token, owner)
	a.Add(a, delta)
}

// BalanceOf implements domain.TokenBridge.
func (m *Memory) BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balance(token, account)), nil
}

// Allowance implements domain.TokenBridge.
func (m *Memory) Allowance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.allowanceRef(token, owner)), nil
}

// Decimals implements domain.TokenBridge.
func (m *Memory) Decimals(_ context.Context, token common.Address) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.decimals[token]; ok {
		return d, nil
	}
	return 18, nil
}

// Transfer implements domain.TokenBridge, moving funds out of the vault.
func (m *Memory) Transfer(_ context.Context, token, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(token, m.vault, to, amount)
}

// TransferFrom implements domain.TokenBridge, spending from's authorization.
func (m *Memory) TransferFrom(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowance := m.allowanceRef(token, from)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("token: transfer from %s: %w", from.Hex(), domain.ErrInsufficientAllowance)
	}
	if err := m.move(token, from, to, amount); err != nil {
		return err
	}
	allowance.Sub(allowance, amount)
	return nil
}

func (m *Memory) move(token, from, to common.Address, amount *big.Int) error {
	src := m.balance(token, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("token: transfer of %s from %s: %w", amount, from.Hex(), domain.ErrInsufficientBalance)
	}
	src.Sub(src, amount)
	dst := m.balance(token, to)
	dst.Add(dst, amount)
	return nil
}

func (m *Memory) balance(token, account common.Address) *big.Int {
	accounts := m.balances[token]
	if accounts == nil {
		accounts = make(map[common.Address]*big.Int)
		m.balances[token] = accounts
	}
	bal := accounts[account]
	if bal == nil {
		bal = new(big.Int)
		accounts[account] = bal
	}
	return bal
}

func (m *Memory) allowanceRef(token, owner common.Address) *big.Int {
	owners := m.allowances[token]
	if owners == nil {
		owners = make(map[common.Address]*big.Int)
		m.allowances[token] = owners
	}
	a := owners[owner]
	if a == nil {
		a = new(big.Int)
		owners[owner] = a
	}
	return a
}

// Compile-time interface check.
var _ domain.TokenBridge = (*Memory)(nil)
