package registry

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	srcToken  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	destToken = common.HexToAddress("0x0000000000000000000000000000000000000002")
	strategy  = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

func TestPairListingLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()

	ok, err := reg.PairListed(ctx, srcToken, 137, destToken)
	require.NoError(t, err)
	assert.False(t, ok)

	reg.ListPair(srcToken, 137, destToken)

	ok, err = reg.PairListed(ctx, srcToken, 137, destToken)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same route on another chain is a different listing.
	ok, err = reg.PairListed(ctx, srcToken, 1, destToken)
	require.NoError(t, err)
	assert.False(t, ok)

	reg.DelistPair(srcToken, 137, destToken)
	ok, err = reg.PairListed(ctx, srcToken, 137, destToken)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStrategyListingLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()

	reg.ListStrategy(strategy, destToken)

	ok, err := reg.StrategyListed(ctx, strategy, destToken)
	require.NoError(t, err)
	assert.True(t, ok)

	// The listing binds the adapter to one destination token.
	ok, err = reg.StrategyListed(ctx, strategy, srcToken)
	require.NoError(t, err)
	assert.False(t, ok)

	reg.DelistStrategy(strategy, destToken)
	ok, err = reg.StrategyListed(ctx, strategy, destToken)
	require.NoError(t, err)
	assert.False(t, ok)
}
