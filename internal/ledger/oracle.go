package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

// PositionSource yields the open positions funded by (owner, token). The
// Ledger backs this with its own store; tests may supply a fixture.
type PositionSource interface {
	OpenPositionsBy(owner, token common.Address) []domain.Position
}

// Oracle computes allowance and balance requirements against live token
// state. The requirement of a single position is srcAmount x reqExecution;
// an unlimited position (reqExecution 0) counts as the sentinel approval,
// defaultApproval whole tokens scaled by the token's decimals.
type Oracle struct {
	bridge          domain.TokenBridge
	source          PositionSource
	defaultApproval *big.Int
}

// NewOracle creates an Oracle. defaultApproval is in whole tokens.
func NewOracle(bridge domain.TokenBridge, source PositionSource, defaultApproval *big.Int) *Oracle {
	return &Oracle{bridge: bridge, source: source, defaultApproval: defaultApproval}
}

// sentinel returns defaultApproval scaled to the token's decimals.
func (o *Oracle) sentinel(ctx context.Context, token common.Address) (*big.Int, error) {
	decimals, err := o.bridge.Decimals(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("oracle: decimals of %s: %w", token.Hex(), err)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(o.defaultApproval, scale), nil
}

func requirement(srcAmount *big.Int, reqExecution uint64, sentinel *big.Int) *big.Int {
	if reqExecution == 0 {
		return new(big.Int).Set(sentinel)
	}
	return new(big.Int).Mul(srcAmount, new(big.Int).SetUint64(reqExecution))
}

// RequiredAllowance sums the requirement of every open position the owner
// funds from token.
func (o *Oracle) RequiredAllowance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	sentinel, err := o.sentinel(ctx, token)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, p := range o.source.OpenPositionsBy(owner, token) {
		total.Add(total, requirement(p.SrcAmount, p.ReqExecution, sentinel))
	}
	return total, nil
}

// CheckAllowance evaluates a prospective position against the owner's live
// authorization. Three cases, checked in order:
//
//  1. live covers existing + candidate: nothing to approve.
//  2. live equals exactly the existing requirement: the owner has never
//     over- or under-approved, so an incremental increase by the candidate
//     requirement suffices.
//  3. anything else: authorization drifted (partial revoke, manual approve),
//     so recommend a fresh absolute approval of existing + candidate.
func (o *Oracle) CheckAllowance(ctx context.Context, owner, token common.Address, srcAmount *big.Int, reqExecution uint64) (domain.AllowanceCheck, error) {
	sentinel, err := o.sentinel(ctx, token)
	if err != nil {
		return domain.AllowanceCheck{}, err
	}

	existing := new(big.Int)
	for _, p := range o.source.OpenPositionsBy(owner, token) {
		existing.Add(existing, requirement(p.SrcAmount, p.ReqExecution, sentinel))
	}
	candidate := requirement(srcAmount, reqExecution, sentinel)
	total := new(big.Int).Add(existing, candidate)

	live, err := o.bridge.Allowance(ctx, token, owner)
	if err != nil {
		return domain.AllowanceCheck{}, fmt.Errorf("oracle: allowance of %s: %w", owner.Hex(), err)
	}

	check := domain.AllowanceCheck{CurrentRequirement: existing}
	switch {
	case live.Cmp(total) >= 0:
		check.AllowanceOK = true
		check.AmountToAdd = new(big.Int)
	case live.Cmp(existing) == 0:
		check.NeedsIncrease = true
		check.AmountToAdd = candidate
	default:
		check.AmountToAdd = total
	}
	return check, nil
}

// CheckBalance reports whether the owner's live balance covers amount.
func (o *Oracle) CheckBalance(ctx context.Context, owner, token common.Address, amount *big.Int) (bool, error) {
	balance, err := o.bridge.BalanceOf(ctx, token, owner)
	if err != nil {
		return false, fmt.Errorf("oracle: balance of %s: %w", owner.Hex(), err)
	}
	return balance.Cmp(amount) >= 0, nil
}

// storeSource adapts the arena to PositionSource. Snapshots are cloned so the
// oracle can never mutate ledger state.
type storeSource struct {
	store *Store
}

func (s storeSource) OpenPositionsBy(owner, token common.Address) []domain.Position {
	live := s.store.openByOwnerToken(owner, token)
	out := make([]domain.Position, 0, len(live))
	for _, p := range live {
		out = append(out, p.Clone())
	}
	return out
}

var _ PositionSource = storeSource{}
