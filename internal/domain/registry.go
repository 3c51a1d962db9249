package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is the external whitelist of tradeable pairs and yield-strategy
// adapters. It is consulted only at position creation time.
type Registry interface {
	// PairListed reports whether (srcToken → destToken on chainID) is
	// tradeable.
	PairListed(ctx context.Context, srcToken common.Address, chainID uint64, destToken common.Address) (bool, error)

	// StrategyListed reports whether the strategy adapter accepts destToken
	// deposits.
	StrategyListed(ctx context.Context, strategy, destToken common.Address) (bool, error)
}
