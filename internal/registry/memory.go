// Package registry implements the pair and strategy whitelist consulted at
// position creation.
package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

type pairKey struct {
	src     common.Address
	chainID uint64
	dest    common.Address
}

type strategyKey struct {
	strategy common.Address
	dest     common.Address
}

// Memory is an in-process whitelist, seeded from configuration at startup and
// mutable at runtime through the admin API.
type Memory struct {
	mu         sync.RWMutex
	pairs      map[pairKey]struct{}
	strategies map[strategyKey]struct{}
}

// NewMemory creates an empty whitelist.
func NewMemory() *Memory {
	return &Memory{
		pairs:      make(map[pairKey]struct{}),
		strategies: make(map[strategyKey]struct{}),
	}
}

// ListPair whitelists (src → dest on chainID).
func (m *Memory) ListPair(src common.Address, chainID uint64, dest common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[pairKey{src: src, chainID: chainID, dest: dest}] = struct{}{}
}

// DelistPair removes a pair from the whitelist. Existing positions on the
// pair are unaffected.
func (m *Memory) DelistPair(src common.Address, chainID uint64, dest common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pairs, pairKey{src: src, chainID: chainID, dest: dest})
}

// ListStrategy whitelists a strategy adapter for destToken deposits.
func (m *Memory) ListStrategy(strategy, destToken common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[strategyKey{strategy: strategy, dest: destToken}] = struct{}{}
}

// DelistStrategy removes a strategy from the whitelist.
func (m *Memory) DelistStrategy(strategy, destToken common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strategies, strategyKey{strategy: strategy, dest: destToken})
}

// PairListed implements domain.Registry.
func (m *Memory) PairListed(_ context.Context, srcToken common.Address, chainID uint64, destToken common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pairs[pairKey{src: srcToken, chainID: chainID, dest: destToken}]
	return ok, nil
}

// StrategyListed implements domain.Registry.
func (m *Memory) StrategyListed(_ context.Context, strategy, destToken common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.strategies[strategyKey{strategy: strategy, dest: destToken}]
	return ok, nil
}

var _ domain.Registry = (*Memory)(nil)
