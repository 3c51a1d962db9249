package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenBridge abstracts the fungible-token transfer/approve/allowance surface
// the ledger depends on. Implementations: the go-ethereum ERC-20 client and
// the deterministic in-memory simulator used by tests and sim mode.
//
// All transfers are synchronous: when a call returns nil the funds have moved,
// and on error no funds have moved, which lets ledger operations treat a
// transfer as atomic with the state mutation that follows it.
type TokenBridge interface {
	// BalanceOf returns the live token balance of the account.
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)

	// Allowance returns the spending authorization the owner has granted to
	// the protocol. Authorization is per (owner, token), shared by all of the
	// owner's positions funded from that token.
	Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// Decimals returns the token's decimal places.
	Decimals(ctx context.Context, token common.Address) (uint8, error)

	// Transfer moves amount from the protocol vault's own holdings.
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error

	// TransferFrom moves amount out of from's balance, spending from's
	// authorization to the protocol.
	TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error
}
