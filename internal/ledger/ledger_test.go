package ledger

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
	"github.com/NEONdAPP/neon-core-go/internal/registry"
	"github.com/NEONdAPP/neon-core-go/internal/token"
)

var (
	resolverAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	vaultAddr    = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	ownerAddr    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	receiverAddr = common.HexToAddress("0x0000000000000000000000000000000000000002")
	otherAddr    = common.HexToAddress("0x0000000000000000000000000000000000000003")
	srcTokenA    = common.HexToAddress("0x0000000000000000000000000000000000000010")
	destTokenA   = common.HexToAddress("0x0000000000000000000000000000000000000020")
	destTokenB   = common.HexToAddress("0x0000000000000000000000000000000000000021")
	strategyA    = common.HexToAddress("0x0000000000000000000000000000000000000030")
)

const (
	homeChain  uint64 = 137
	otherChain uint64 = 10
)

type fixture struct {
	t      *testing.T
	ledger *Ledger
	bridge *token.Memory
	reg    *registry.Memory
	hist   *historian.Historian
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	bridge := token.NewMemory(vaultAddr)
	reg := registry.NewMemory()
	reg.ListPair(srcTokenA, homeChain, destTokenA)
	reg.ListPair(srcTokenA, homeChain, destTokenB)
	reg.ListPair(srcTokenA, otherChain, destTokenA)
	reg.ListStrategy(strategyA, destTokenA)

	hist := historian.New()
	cfg := Config{
		Resolver:        resolverAddr,
		Vault:           vaultAddr,
		HomeChainID:     homeChain,
		DefaultApproval: big.NewInt(15_000_000),
		TimeBase:        time.Hour,
		MinTau:          1,
		MaxTau:          30,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(cfg, NewStore(), bridge, reg, hist, logger)

	f := &fixture{t: t, ledger: l, bridge: bridge, reg: reg, hist: hist}
	f.clock = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

// fund mints and approves in one step.
func (f *fixture) fund(account common.Address, balance, allowance int64) {
	f.bridge.Mint(srcTokenA, account, big.NewInt(balance))
	f.bridge.Approve(srcTokenA, account, big.NewInt(allowance))
}

func (f *fixture) balanceOf(account common.Address) *big.Int {
	bal, err := f.bridge.BalanceOf(context.Background(), srcTokenA, account)
	require.NoError(f.t, err)
	return bal
}

func defaultParams() CreateParams {
	return CreateParams{
		Owner:        ownerAddr,
		Receiver:     receiverAddr,
		SrcToken:     srcTokenA,
		ChainID:      homeChain,
		DestToken:    destTokenA,
		DestDecimals: 18,
		SrcAmount:    big.NewInt(200),
		Tau:          1,
		ReqExecution: 2,
	}
}

func (f *fixture) create(params CreateParams) uint64 {
	id, err := f.ledger.CreatePosition(context.Background(), params)
	require.NoError(f.t, err)
	return id
}

func result(id uint64, proceeds, price int64, code domain.ResultCode) domain.SettlementResult {
	return domain.SettlementResult{ID: id, Proceeds: big.NewInt(proceeds), Price: big.NewInt(price), Code: code}
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 800)

	p1 := defaultParams()
	id1 := f.create(p1)

	p2 := defaultParams()
	p2.DestToken = destTokenB
	id2 := f.create(p2)

	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)
	assert.Equal(t, uint64(2), f.ledger.TotalPositions())
	assert.Equal(t, uint64(2), f.ledger.ActivePositions())
}

func TestCreateRejectsNullAddresses(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)

	for _, mutate := range []func(*CreateParams){
		func(p *CreateParams) { p.Owner = common.Address{} },
		func(p *CreateParams) { p.Receiver = common.Address{} },
		func(p *CreateParams) { p.SrcToken = common.Address{} },
		func(p *CreateParams) { p.DestToken = common.Address{} },
	} {
		p := defaultParams()
		mutate(&p)
		_, err := f.ledger.CreatePosition(context.Background(), p)
		require.ErrorIs(t, err, domain.ErrNullAddress)
	}
}

func TestCreateRejectsTauOutOfRange(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)

	for _, tau := range []uint64{0, 31} {
		p := defaultParams()
		p.Tau = tau
		_, err := f.ledger.CreatePosition(context.Background(), p)
		require.ErrorIs(t, err, domain.ErrTauOutOfRange)
	}
}

func TestCreateRejectsUnlistedPair(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)

	p := defaultParams()
	p.ChainID = 999
	_, err := f.ledger.CreatePosition(context.Background(), p)
	require.ErrorIs(t, err, domain.ErrPairNotListed)
}

func TestCreateRejectsUnlistedStrategy(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)

	p := defaultParams()
	p.Strategy = otherAddr
	_, err := f.ledger.CreatePosition(context.Background(), p)
	require.ErrorIs(t, err, domain.ErrStrategyNotListed)
}

func TestCreateIgnoresStrategyOffHomeChain(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)

	p := defaultParams()
	p.ChainID = otherChain
	p.Strategy = strategyA // not listed for otherChain, dropped silently
	id := f.create(p)

	got, err := f.ledger.PositionByID(id)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, got.Strategy)
	assert.False(t, got.StrategyEnabled())
}

func TestCreateRejectsDuplicateKey(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 800)

	f.create(defaultParams())
	_, err := f.ledger.CreatePosition(context.Background(), defaultParams())
	require.ErrorIs(t, err, domain.ErrDuplicatePosition)
}

func TestKeyFreedAfterClose(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)

	f.create(defaultParams())
	_, err := f.ledger.ClosePosition(context.Background(), ownerAddr, srcTokenA, homeChain, destTokenA, common.Address{})
	require.NoError(t, err)

	id := f.create(defaultParams())
	assert.Equal(t, uint64(2), id)
	assert.Equal(t, uint64(1), f.ledger.ActivePositions())
}

func TestCreateRequiresAllowance(t *testing.T) {
	f := newFixture(t)
	f.bridge.Mint(srcTokenA, ownerAddr, big.NewInt(1_000))

	_, err := f.ledger.CreatePosition(context.Background(), defaultParams())
	require.ErrorIs(t, err, domain.ErrInsufficientAllowance)
}

func TestCreateRequiresBalance(t *testing.T) {
	f := newFixture(t)
	f.bridge.Approve(srcTokenA, ownerAddr, big.NewInt(400))

	_, err := f.ledger.CreatePosition(context.Background(), defaultParams())
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestCreateSchedulesFirstCycle(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 800)

	deferred := f.create(defaultParams())
	assert.False(t, f.ledger.IsDue(deferred))

	p := defaultParams()
	p.DestToken = destTokenB
	p.ExecuteNow = true
	immediate := f.create(p)
	assert.True(t, f.ledger.IsDue(immediate))

	f.advance(time.Hour)
	assert.True(t, f.ledger.IsDue(deferred))
}

func TestCloseZeroesReceiverAndWritesHistory(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	id := f.create(defaultParams())

	closed, err := f.ledger.ClosePosition(context.Background(), ownerAddr, srcTokenA, homeChain, destTokenA, common.Address{})
	require.NoError(t, err)

	assert.Equal(t, id, closed.ID)
	assert.False(t, closed.Open())
	assert.Equal(t, uint64(0), f.ledger.ActivePositions())
	assert.Equal(t, uint64(1), f.ledger.TotalPositions())

	entries, count := f.hist.GetData(ownerAddr)
	require.Equal(t, 1, count)
	assert.Equal(t, id, entries[0].PositionID)
	assert.Equal(t, domain.CloseReasonUser, entries[0].Reason)
}

func TestCloseUnknownKeyFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.ClosePosition(context.Background(), ownerAddr, srcTokenA, homeChain, destTokenA, common.Address{})
	require.ErrorIs(t, err, domain.ErrPositionClosed)

	_, err = f.ledger.ClosePosition(context.Background(), common.Address{}, srcTokenA, homeChain, destTokenA, common.Address{})
	require.ErrorIs(t, err, domain.ErrNullAddress)
}

func TestSkipPushesSchedule(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	id := f.create(defaultParams())

	before, err := f.ledger.PositionByID(id)
	require.NoError(t, err)

	next, err := f.ledger.SkipNextExecution(context.Background(), ownerAddr, srcTokenA, homeChain, destTokenA, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, before.NextExecution.Add(time.Hour), next)

	f.advance(time.Hour)
	assert.False(t, f.ledger.IsDue(id))
	f.advance(time.Hour)
	assert.True(t, f.ledger.IsDue(id))
}

func TestIsDueFalseForUnknownID(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.ledger.IsDue(0))
	assert.False(t, f.ledger.IsDue(42))
}

func TestReadinessTracksLiveFunding(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	p := defaultParams()
	p.ExecuteNow = true
	id := f.create(p)

	r, err := f.ledger.Readiness(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.Readiness{Due: true, AllowanceOK: true, BalanceOK: true}, r)

	// The owner revokes authorization out-of-band.
	f.bridge.Approve(srcTokenA, ownerAddr, big.NewInt(0))
	r, err = f.ledger.Readiness(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, r.Due)
	assert.False(t, r.AllowanceOK)
	assert.True(t, r.BalanceOK)

	// Unknown id reports all false without error.
	r, err = f.ledger.Readiness(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, domain.Readiness{}, r)
}

func TestPullEscrowMovesFundsOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	p := defaultParams()
	p.ExecuteNow = true
	id := f.create(p)

	pulled, err := f.ledger.PullEscrow(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, pulled)
	assert.Equal(t, int64(800), f.balanceOf(ownerAddr).Int64())
	assert.Equal(t, int64(200), f.balanceOf(resolverAddr).Int64())

	// Second pull within the same cycle is a no-op.
	pulled, err = f.ledger.PullEscrow(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, pulled)
	assert.Equal(t, int64(200), f.balanceOf(resolverAddr).Int64())
}

func TestPullEscrowRequiresDue(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	id := f.create(defaultParams()) // first cycle one tau out

	_, err := f.ledger.PullEscrow(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrNotDue)

	_, err = f.ledger.PullEscrow(context.Background(), 99)
	require.ErrorIs(t, err, domain.ErrIDOutOfRange)
}

func TestReleaseEscrowRefundsOwner(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	// The resolver holds a standing authorization so escrow can flow back.
	f.bridge.Approve(srcTokenA, resolverAddr, big.NewInt(1_000_000))

	p := defaultParams()
	p.ExecuteNow = true
	id := f.create(p)

	_, err := f.ledger.PullEscrow(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, f.ledger.ReleaseEscrow(context.Background(), id))
	assert.Equal(t, int64(1_000), f.balanceOf(ownerAddr).Int64())
	assert.Equal(t, int64(0), f.balanceOf(resolverAddr).Int64())

	// Releasing again is a no-op.
	require.NoError(t, f.ledger.ReleaseEscrow(context.Background(), id))
	assert.Equal(t, int64(1_000), f.balanceOf(ownerAddr).Int64())
}

func TestSettlementSuccessAccumulatesAndCompletes(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	p := defaultParams() // ReqExecution 2
	p.ExecuteNow = true
	id := f.create(p)

	_, err := f.ledger.PullEscrow(context.Background(), id)
	require.NoError(t, err)

	out, err := f.ledger.ApplySettlement(context.Background(), result(id, 100, 1000, domain.CodeExecuted))
	require.NoError(t, err)
	assert.True(t, out.Executed)
	assert.False(t, out.Closed)
	assert.Equal(t, uint64(1), out.Position.PerfExecution)
	assert.Equal(t, int64(100), out.Position.DestTokenEarned.Int64())
	assert.Equal(t, int64(1000), out.Position.AveragePrice.Int64())
	assert.False(t, out.Position.FundsPulled)
	assert.False(t, f.ledger.IsDue(id))

	f.advance(time.Hour)
	_, err = f.ledger.PullEscrow(context.Background(), id)
	require.NoError(t, err)

	out, err = f.ledger.ApplySettlement(context.Background(), result(id, 120, 500, domain.CodeExecuted))
	require.NoError(t, err)
	assert.True(t, out.Executed)
	assert.True(t, out.Closed)
	assert.Equal(t, domain.CloseReasonCompleted, out.Reason)
	assert.Equal(t, uint64(2), out.Position.PerfExecution)
	assert.Equal(t, int64(220), out.Position.DestTokenEarned.Int64())
	// Mean of 1000 and 500, computed from the running sum.
	assert.Equal(t, int64(750), out.Position.AveragePrice.Int64())
	assert.Equal(t, uint64(0), f.ledger.ActivePositions())

	entries, count := f.hist.GetData(ownerAddr)
	require.Equal(t, 1, count)
	assert.Equal(t, domain.CloseReasonCompleted, entries[0].Reason)
}

func TestSettlementFailureStrikesAndForceCloses(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	f.bridge.Approve(srcTokenA, resolverAddr, big.NewInt(1_000_000))

	p := defaultParams()
	p.ExecuteNow = true
	id := f.create(p)

	_, err := f.ledger.PullEscrow(context.Background(), id)
	require.NoError(t, err)

	out, err := f.ledger.ApplySettlement(context.Background(), result(id, 0, 0, domain.CodeRouterError))
	require.NoError(t, err)
	assert.False(t, out.Executed)
	assert.True(t, out.Refunded)
	assert.False(t, out.Closed)
	assert.Equal(t, uint64(1), out.Position.Strike)
	assert.Equal(t, int64(1_000), f.balanceOf(ownerAddr).Int64())

	f.advance(time.Hour)
	_, err = f.ledger.PullEscrow(context.Background(), id)
	require.NoError(t, err)

	out, err = f.ledger.ApplySettlement(context.Background(), result(id, 0, 0, domain.CodeRouterError))
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, domain.CloseReasonStruck, out.Reason)
	assert.Equal(t, uint64(2), out.Position.Strike)
	assert.Equal(t, int64(1_000), f.balanceOf(ownerAddr).Int64())

	entries, count := f.hist.GetData(ownerAddr)
	require.Equal(t, 1, count)
	assert.Equal(t, domain.CloseReasonStruck, entries[0].Reason)
}

func TestStrategyFailureRefundsFromVault(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	f.bridge.Mint(srcTokenA, vaultAddr, big.NewInt(500))

	p := defaultParams()
	p.ExecuteNow = true
	p.Strategy = strategyA
	id := f.create(p)

	_, err := f.ledger.PullEscrow(context.Background(), id)
	require.NoError(t, err)

	out, err := f.ledger.ApplySettlement(context.Background(), result(id, 0, 0, domain.CodeStrategyError))
	require.NoError(t, err)
	assert.True(t, out.Refunded)

	// The swap leg already consumed the escrow, so the refund comes out of
	// vault holdings and the resolver keeps the pulled funds.
	assert.Equal(t, int64(1_000), f.balanceOf(ownerAddr).Int64())
	assert.Equal(t, int64(300), f.balanceOf(vaultAddr).Int64())
	assert.Equal(t, int64(200), f.balanceOf(resolverAddr).Int64())
}

func TestSuccessResetsStrike(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 600)
	f.bridge.Approve(srcTokenA, resolverAddr, big.NewInt(1_000_000))

	p := defaultParams()
	p.ReqExecution = 3
	p.ExecuteNow = true
	id := f.create(p)

	_, err := f.ledger.PullEscrow(context.Background(), id)
	require.NoError(t, err)
	out, err := f.ledger.ApplySettlement(context.Background(), result(id, 0, 0, domain.CodeRouterError))
	require.NoError(t, err)
	require.Equal(t, uint64(1), out.Position.Strike)

	f.advance(time.Hour)
	_, err = f.ledger.PullEscrow(context.Background(), id)
	require.NoError(t, err)
	out, err = f.ledger.ApplySettlement(context.Background(), result(id, 50, 100, domain.CodeExecuted))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), out.Position.Strike)
	assert.False(t, out.Closed)
}

func TestFailureWithoutPullDoesNotRefund(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)

	p := defaultParams()
	p.ExecuteNow = true
	id := f.create(p)

	out, err := f.ledger.ApplySettlement(context.Background(), result(id, 0, 0, domain.CodeRouterError))
	require.NoError(t, err)
	assert.False(t, out.Refunded)
	assert.Equal(t, uint64(1), out.Position.Strike)
	assert.Equal(t, int64(1_000), f.balanceOf(ownerAddr).Int64())
}

func TestUnlimitedPositionNeverAutoCloses(t *testing.T) {
	f := newFixture(t)
	sentinel := new(big.Int).Mul(big.NewInt(15_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	f.bridge.Mint(srcTokenA, ownerAddr, big.NewInt(1_000))
	f.bridge.Approve(srcTokenA, ownerAddr, sentinel)

	p := defaultParams()
	p.ReqExecution = 0
	p.ExecuteNow = true
	id := f.create(p)

	for i := 0; i < 5; i++ {
		_, err := f.ledger.PullEscrow(context.Background(), id)
		require.NoError(t, err)
		out, err := f.ledger.ApplySettlement(context.Background(), result(id, 10, 100, domain.CodeExecuted))
		require.NoError(t, err)
		require.False(t, out.Closed)
		f.advance(time.Hour)
	}

	got, err := f.ledger.PositionByID(id)
	require.NoError(t, err)
	assert.True(t, got.Open())
	assert.Equal(t, uint64(5), got.PerfExecution)
}

func TestSettlementTimingErrors(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	id := f.create(defaultParams()) // not yet due

	_, err := f.ledger.ApplySettlement(context.Background(), result(id, 0, 0, domain.CodeExecuted))
	require.ErrorIs(t, err, domain.ErrNotDue)

	_, err = f.ledger.ApplySettlement(context.Background(), result(99, 0, 0, domain.CodeExecuted))
	require.ErrorIs(t, err, domain.ErrIDOutOfRange)
}

func TestCheckAvailability(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)

	assert.True(t, f.ledger.CheckAvailability(ownerAddr, srcTokenA, homeChain, destTokenA, common.Address{}))
	f.create(defaultParams())
	assert.False(t, f.ledger.CheckAvailability(ownerAddr, srcTokenA, homeChain, destTokenA, common.Address{}))
	assert.False(t, f.ledger.CheckAvailability(common.Address{}, srcTokenA, homeChain, destTokenA, common.Address{}))
}

func TestDuePositions(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 800)

	p1 := defaultParams()
	p1.ExecuteNow = true
	id1 := f.create(p1)

	p2 := defaultParams()
	p2.DestToken = destTokenB
	f.create(p2)

	assert.Equal(t, []uint64{id1}, f.ledger.DuePositions())

	f.advance(time.Hour)
	assert.Equal(t, []uint64{1, 2}, f.ledger.DuePositions())
}

func TestPositionDetailRequiresOwner(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	id := f.create(defaultParams())

	detail, err := f.ledger.PositionDetail(context.Background(), id, ownerAddr)
	require.NoError(t, err)
	assert.True(t, detail.AllowanceOK)
	assert.True(t, detail.BalanceOK)

	_, err = f.ledger.PositionDetail(context.Background(), id, otherAddr)
	require.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = f.ledger.PositionDetail(context.Background(), 99, ownerAddr)
	require.ErrorIs(t, err, domain.ErrIDOutOfRange)
}

func TestPositionDataIncludesDecimals(t *testing.T) {
	f := newFixture(t)
	f.fund(ownerAddr, 1_000, 400)
	f.bridge.SetDecimals(srcTokenA, 6)
	id := f.create(defaultParams())

	data, err := f.ledger.PositionData(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), data.SrcDecimals)
	assert.Equal(t, int64(200), data.SrcAmount.Int64())
	assert.Equal(t, receiverAddr, data.Receiver)
}
