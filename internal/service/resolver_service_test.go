package service

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
	"github.com/NEONdAPP/neon-core-go/internal/historian"
	"github.com/NEONdAPP/neon-core-go/internal/ledger"
	"github.com/NEONdAPP/neon-core-go/internal/notify"
	"github.com/NEONdAPP/neon-core-go/internal/registry"
	"github.com/NEONdAPP/neon-core-go/internal/resolver"
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
)

const homeChain uint64 = 137

// memBus records published payloads per channel.
type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string][][]byte)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *memBus) StreamAppend(context.Context, string, []byte) error      { return nil }
func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) channel(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[name]...)
}

type memArchive struct{}

func (memArchive) Upsert(context.Context, domain.Position) error { return nil }
func (memArchive) GetByID(context.Context, uint64) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (memArchive) ListByOwner(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}
func (memArchive) ListClosedBefore(context.Context, time.Time, int) ([]domain.Position, error) {
	return nil, nil
}

type memAudit struct{}

func (memAudit) Log(context.Context, string, map[string]any) error { return nil }
func (memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

// memLocks is a single-key lock manager exposing whether the lock is held.
type memLocks struct {
	mu   sync.Mutex
	held bool
}

func (m *memLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return nil, domain.ErrLockHeld
	}
	m.held = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.held = false
	}, nil
}

func (m *memLocks) isHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

type svcFixture struct {
	t      *testing.T
	svc    *ResolverService
	orch   *resolver.Orchestrator
	ledger *ledger.Ledger
	bridge *token.Memory
	bus    *memBus
	locks  *memLocks
}

func newSvcFixture(t *testing.T) *svcFixture {
	bridge := token.NewMemory(vaultAddr)
	reg := registry.NewMemory()
	reg.ListPair(srcToken, homeChain, destToken)

	// A nanosecond time base keeps the position due again right after each
	// settlement, so multi-cycle flows need no clock control.
	cfg := ledger.Config{
		Resolver:        resolverAddr,
		Vault:           vaultAddr,
		HomeChainID:     homeChain,
		DefaultApproval: big.NewInt(15_000_000),
		TimeBase:        time.Nanosecond,
		MinTau:          1,
		MaxTau:          30,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(cfg, ledger.NewStore(), bridge, reg, historian.New(), logger)
	orch := resolver.New(led, bridge, resolverAddr, vaultAddr, logger)

	bus := newMemBus()
	locks := &memLocks{}
	svc := NewResolverService(orch, memArchive{}, bus, memAudit{}, locks,
		notify.NewNotifier(nil, nil, logger), logger)

	return &svcFixture{
		t:      t,
		svc:    svc,
		orch:   orch,
		ledger: led,
		bridge: bridge,
		bus:    bus,
		locks:  locks,
	}
}

func (f *svcFixture) seedPosition(reqExecution uint64) uint64 {
	f.bridge.Mint(srcToken, ownerAddr, big.NewInt(10_000))
	f.bridge.IncreaseAllowance(srcToken, ownerAddr, big.NewInt(2_000))

	id, err := f.ledger.CreatePosition(context.Background(), ledger.CreateParams{
		Owner:        ownerAddr,
		Receiver:     receiverAddr,
		SrcToken:     srcToken,
		ChainID:      homeChain,
		DestToken:    destToken,
		DestDecimals: 18,
		SrcAmount:    big.NewInt(200),
		Tau:          1,
		ReqExecution: reqExecution,
		ExecuteNow:   true,
	})
	require.NoError(f.t, err)
	return id
}

// settleCycle runs one full round over the position and reports proceeds.
func (f *svcFixture) settleCycle(id uint64, proceeds, price int64) {
	ctx := context.Background()
	_, err := f.svc.StartRound(ctx, resolverAddr)
	require.NoError(f.t, err)
	require.NoError(f.t, f.svc.StartExecution(ctx, resolverAddr, []uint64{id}))
	_, err = f.svc.ClosureExecution(ctx, resolverAddr, []domain.SettlementResult{
		{ID: id, Proceeds: big.NewInt(proceeds), Price: big.NewInt(price), Code: domain.CodeExecuted},
	})
	require.NoError(f.t, err)
}

func TestExecutedEventCarriesCycleProceeds(t *testing.T) {
	f := newSvcFixture(t)
	id := f.seedPosition(3)

	f.settleCycle(id, 100, 1000)
	f.settleCycle(id, 120, 1100)

	var proceeds []int64
	for _, payload := range f.bus.channel(domain.ChannelExecutions) {
		var evt domain.PositionExecutedEvent
		require.NoError(t, json.Unmarshal(payload, &evt))
		if evt.Event == domain.EventPositionExecuted {
			proceeds = append(proceeds, evt.Proceeds.Int64())
		}
	}
	// Each event reports its own cycle, not the running total.
	assert.Equal(t, []int64{100, 120}, proceeds)

	pos, err := f.ledger.PositionByID(id)
	require.NoError(t, err)
	assert.Equal(t, int64(220), pos.DestTokenEarned.Int64())
}

func TestRejectedClosureKeepsRoundLock(t *testing.T) {
	f := newSvcFixture(t)
	id := f.seedPosition(2)
	ctx := context.Background()

	_, err := f.svc.StartRound(ctx, resolverAddr)
	require.NoError(t, err)
	require.True(t, f.locks.isHeld())

	_, err = f.svc.ClosureExecution(ctx, strangerAddr, nil)
	require.ErrorIs(t, err, domain.ErrNotResolver)

	// The round is still open here, so the cross-replica lock must stay held.
	assert.True(t, f.orch.Status().Busy)
	assert.True(t, f.locks.isHeld())

	require.NoError(t, f.svc.StartExecution(ctx, resolverAddr, []uint64{id}))
	_, err = f.svc.ClosureExecution(ctx, resolverAddr, []domain.SettlementResult{
		{ID: id, Proceeds: big.NewInt(50), Price: big.NewInt(500), Code: domain.CodeExecuted},
	})
	require.NoError(t, err)

	assert.False(t, f.orch.Status().Busy)
	assert.False(t, f.locks.isHeld())
}

func TestClosureReleasesLockDespiteRejectedReports(t *testing.T) {
	f := newSvcFixture(t)
	id := f.seedPosition(2)
	ctx := context.Background()

	_, err := f.svc.StartRound(ctx, resolverAddr)
	require.NoError(t, err)
	require.NoError(t, f.svc.StartExecution(ctx, resolverAddr, []uint64{id}))

	outcomes, err := f.svc.ClosureExecution(ctx, resolverAddr, []domain.SettlementResult{
		{ID: 99, Proceeds: big.NewInt(1), Price: big.NewInt(1), Code: domain.CodeExecuted}, // unknown id
		{ID: id, Proceeds: big.NewInt(75), Price: big.NewInt(750), Code: domain.CodeExecuted},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	// The orchestrator closed the round, so the lock is free again.
	assert.False(t, f.orch.Status().Busy)
	assert.False(t, f.locks.isHeld())
}

func TestResidualSweepsBatchAndAudits(t *testing.T) {
	f := newSvcFixture(t)
	f.bridge.Mint(srcToken, vaultAddr, big.NewInt(640))

	sweeps, err := f.svc.Residual(context.Background(), resolverAddr, []common.Address{srcToken, destToken})
	require.NoError(t, err)
	require.Len(t, sweeps, 2)
	assert.Equal(t, int64(640), sweeps[0].Amount.Int64())
	assert.Equal(t, int64(0), sweeps[1].Amount.Int64())
}
