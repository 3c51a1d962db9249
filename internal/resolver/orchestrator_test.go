package resolver

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
	"github.com/NEONdAPP/neon-core-go/internal/historian"
	"github.com/NEONdAPP/neon-core-go/internal/ledger"
	"github.com/NEONdAPP/neon-core-go/internal/registry"
	"github.com/NEONdAPP/neon-core-go/internal/token"
)

var (
	resolverAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	vaultAddr    = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	strangerAddr = common.HexToAddress("0x00000000000000000000000000000000000000ac")
	ownerAddr    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	receiverAddr = common.HexToAddress("0x0000000000000000000000000000000000000002")
	srcToken     = common.HexToAddress("0x0000000000000000000000000000000000000010")
	destToken    = common.HexToAddress("0x0000000000000000000000000000000000000020")
	destTokenB   = common.HexToAddress("0x0000000000000000000000000000000000000021")
)

const homeChain uint64 = 137

type fixture struct {
	t      *testing.T
	orch   *Orchestrator
	ledger *ledger.Ledger
	bridge *token.Memory
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	bridge := token.NewMemory(vaultAddr)
	reg := registry.NewMemory()
	reg.ListPair(srcToken, homeChain, destToken)
	reg.ListPair(srcToken, homeChain, destTokenB)

	cfg := ledger.Config{
		Resolver:        resolverAddr,
		Vault:           vaultAddr,
		HomeChainID:     homeChain,
		DefaultApproval: big.NewInt(15_000_000),
		TimeBase:        time.Hour,
		MinTau:          1,
		MaxTau:          30,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(cfg, ledger.NewStore(), bridge, reg, historian.New(), logger)

	return &fixture{
		t:      t,
		orch:   New(led, bridge, resolverAddr, vaultAddr, logger),
		ledger: led,
		bridge: bridge,
	}
}

// seedPosition opens a due position funded for several cycles and returns
// its id.
func (f *fixture) seedPosition(dest common.Address) uint64 {
	f.bridge.Mint(srcToken, ownerAddr, big.NewInt(10_000))
	f.bridge.IncreaseAllowance(srcToken, ownerAddr, big.NewInt(400))

	id, err := f.ledger.CreatePosition(context.Background(), ledger.CreateParams{
		Owner:        ownerAddr,
		Receiver:     receiverAddr,
		SrcToken:     srcToken,
		ChainID:      homeChain,
		DestToken:    dest,
		DestDecimals: 18,
		SrcAmount:    big.NewInt(200),
		Tau:          1,
		ReqExecution: 2,
		ExecuteNow:   true,
	})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) balanceOf(account common.Address) int64 {
	bal, err := f.bridge.BalanceOf(context.Background(), srcToken, account)
	require.NoError(f.t, err)
	return bal.Int64()
}

func TestStartRoundRejectsStrangers(t *testing.T) {
	f := newFixture(t)
	f.seedPosition(destToken)

	_, err := f.orch.StartRound(context.Background(), strangerAddr)
	require.ErrorIs(t, err, domain.ErrNotResolver)
}

func TestStartRoundRequiresDuePositions(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.StartRound(context.Background(), resolverAddr)
	require.ErrorIs(t, err, domain.ErrNotDue)
	assert.False(t, f.orch.IsExecutionNeeded())
}

func TestStartRoundIsExclusive(t *testing.T) {
	f := newFixture(t)
	id := f.seedPosition(destToken)

	round, err := f.orch.StartRound(context.Background(), resolverAddr)
	require.NoError(t, err)
	require.Len(t, round.Due, 1)
	assert.Equal(t, id, round.Due[0].ID)
	assert.NotEmpty(t, round.ID)

	_, err = f.orch.StartRound(context.Background(), resolverAddr)
	require.ErrorIs(t, err, domain.ErrRoundInProgress)

	status := f.orch.Status()
	assert.True(t, status.Busy)
	assert.Equal(t, round.ID, status.RoundID)
}

func TestStartExecutionRequiresOpenRound(t *testing.T) {
	f := newFixture(t)
	id := f.seedPosition(destToken)

	err := f.orch.StartExecution(context.Background(), resolverAddr, []uint64{id})
	require.ErrorIs(t, err, domain.ErrNoOpenRound)
}

func TestStartExecutionPullsBatch(t *testing.T) {
	f := newFixture(t)
	id1 := f.seedPosition(destToken)
	id2 := f.seedPosition(destTokenB)

	_, err := f.orch.StartRound(context.Background(), resolverAddr)
	require.NoError(t, err)

	require.NoError(t, f.orch.StartExecution(context.Background(), resolverAddr, []uint64{id1, id2}))
	assert.Equal(t, int64(400), f.balanceOf(resolverAddr))
}

func TestStartExecutionRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	id1 := f.seedPosition(destToken)
	id2 := f.seedPosition(destTokenB)
	// The resolver's standing authorization lets the rollback flow escrow
	// back to owners.
	f.bridge.Approve(srcToken, resolverAddr, big.NewInt(1_000_000))

	_, err := f.orch.StartRound(context.Background(), resolverAddr)
	require.NoError(t, err)

	ownerBefore := f.balanceOf(ownerAddr)

	// The owner cut the authorization to a single cycle after the round
	// opened, so id1's pull drains it and id2's pull fails.
	f.bridge.Approve(srcToken, ownerAddr, big.NewInt(200))

	err = f.orch.StartExecution(context.Background(), resolverAddr, []uint64{id1, id2})
	require.ErrorIs(t, err, domain.ErrInsufficientAllowance)

	// id1's pull was compensated, so balances are back where they started
	// and the round is still open for a retry.
	assert.Equal(t, ownerBefore, f.balanceOf(ownerAddr))
	assert.Equal(t, int64(0), f.balanceOf(resolverAddr))
	assert.True(t, f.orch.Status().Busy)
}

func TestClosureExecutionSettlesAndReopens(t *testing.T) {
	f := newFixture(t)
	id := f.seedPosition(destToken)

	_, err := f.orch.StartRound(context.Background(), resolverAddr)
	require.NoError(t, err)
	require.NoError(t, f.orch.StartExecution(context.Background(), resolverAddr, []uint64{id}))

	outcomes, err := f.orch.ClosureExecution(context.Background(), resolverAddr, []domain.SettlementResult{
		{ID: id, Proceeds: big.NewInt(100), Price: big.NewInt(1000), Code: domain.CodeExecuted},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Executed)
	assert.Equal(t, int64(100), outcomes[0].Proceeds.Int64())

	assert.False(t, f.orch.Status().Busy)

	pos, err := f.ledger.PositionByID(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos.PerfExecution)
}

func TestClosureExecutionSkipsBadReports(t *testing.T) {
	f := newFixture(t)
	id := f.seedPosition(destToken)

	_, err := f.orch.StartRound(context.Background(), resolverAddr)
	require.NoError(t, err)
	require.NoError(t, f.orch.StartExecution(context.Background(), resolverAddr, []uint64{id}))

	outcomes, err := f.orch.ClosureExecution(context.Background(), resolverAddr, []domain.SettlementResult{
		{ID: 99, Proceeds: big.NewInt(1), Price: big.NewInt(1), Code: domain.CodeExecuted}, // unknown id
		{ID: id, Proceeds: big.NewInt(100), Price: big.NewInt(1000), Code: domain.CodeExecuted},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	// The busy flag clears even though a report was rejected.
	assert.False(t, f.orch.Status().Busy)
}

func TestClosureExecutionRequiresOpenRound(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.ClosureExecution(context.Background(), resolverAddr, nil)
	require.ErrorIs(t, err, domain.ErrNoOpenRound)
}

func TestGetResidualSweepsVault(t *testing.T) {
	f := newFixture(t)
	f.bridge.Mint(srcToken, vaultAddr, big.NewInt(750))

	sweeps, err := f.orch.GetResidual(context.Background(), resolverAddr, []common.Address{srcToken})
	require.NoError(t, err)
	require.Len(t, sweeps, 1)
	assert.Equal(t, srcToken, sweeps[0].Token)
	assert.Equal(t, int64(750), sweeps[0].Amount.Int64())
	assert.Equal(t, int64(0), f.balanceOf(vaultAddr))
	assert.Equal(t, int64(750), f.balanceOf(resolverAddr))

	// Empty vault sweeps zero without error.
	sweeps, err = f.orch.GetResidual(context.Background(), resolverAddr, []common.Address{srcToken})
	require.NoError(t, err)
	require.Len(t, sweeps, 1)
	assert.Equal(t, int64(0), sweeps[0].Amount.Int64())
}

func TestGetResidualSweepsTokenBatch(t *testing.T) {
	f := newFixture(t)
	f.bridge.Mint(srcToken, vaultAddr, big.NewInt(300))
	f.bridge.Mint(destToken, vaultAddr, big.NewInt(45))

	sweeps, err := f.orch.GetResidual(context.Background(), resolverAddr, []common.Address{srcToken, destToken, destTokenB})
	require.NoError(t, err)
	require.Len(t, sweeps, 3)
	assert.Equal(t, int64(300), sweeps[0].Amount.Int64())
	assert.Equal(t, int64(45), sweeps[1].Amount.Int64())
	assert.Equal(t, int64(0), sweeps[2].Amount.Int64())

	assert.Equal(t, int64(300), f.balanceOf(resolverAddr))
	destBal, err := f.bridge.BalanceOf(context.Background(), destToken, resolverAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(45), destBal.Int64())
}

func TestGetResidualRefusedWhileRoundOpen(t *testing.T) {
	f := newFixture(t)
	f.seedPosition(destToken)
	f.bridge.Mint(srcToken, vaultAddr, big.NewInt(500))

	_, err := f.orch.StartRound(context.Background(), resolverAddr)
	require.NoError(t, err)

	_, err = f.orch.GetResidual(context.Background(), resolverAddr, []common.Address{srcToken})
	require.ErrorIs(t, err, domain.ErrResolverBusy)
}

func TestFullRoundLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.seedPosition(destToken)

	assert.True(t, f.orch.IsExecutionNeeded())

	round, err := f.orch.StartRound(context.Background(), resolverAddr)
	require.NoError(t, err)

	ids := make([]uint64, 0, len(round.Due))
	for _, d := range round.Due {
		ids = append(ids, d.ID)
	}
	require.NoError(t, f.orch.StartExecution(context.Background(), resolverAddr, ids))

	outcomes, err := f.orch.ClosureExecution(context.Background(), resolverAddr, []domain.SettlementResult{
		{ID: id, Proceeds: big.NewInt(42), Price: big.NewInt(7), Code: domain.CodeExecuted},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.False(t, f.orch.IsExecutionNeeded())
	assert.False(t, f.orch.Status().Busy)
}
