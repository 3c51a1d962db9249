// Package ledger is the authoritative in-memory record of DCA positions and
// the settlement state machine that mutates them. Every public method takes
// the ledger mutex, so callers observe each operation as atomic; methods that
// move funds perform the transfer before mutating state, so a failed transfer
// leaves the ledger untouched.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
	"github.com/NEONdAPP/neon-core-go/internal/historian"
)

// Config carries the immutable protocol parameters.
type Config struct {
	// Resolver is the settlement agent. Escrow pulls land here and refunds
	// for router-side failures are spent from its authorization.
	Resolver common.Address

	// Vault holds protocol funds. Strategy-side failures are refunded from
	// vault holdings, and residual sweeps drain it to the resolver.
	Vault common.Address

	// HomeChainID is the chain the strategy leg settles on. Positions
	// targeting any other chain have their strategy silently disabled.
	HomeChainID uint64

	// DefaultApproval, in whole tokens, is the allowance requirement charged
	// for a position with unlimited executions.
	DefaultApproval *big.Int

	// TimeBase is the duration of one tau unit.
	TimeBase time.Duration

	// MinTau and MaxTau bound the per-position execution interval.
	MinTau uint64
	MaxTau uint64
}

// Ledger owns the position arena and applies the lifecycle rules.
type Ledger struct {
	mu        sync.Mutex
	cfg       Config
	store     *Store
	bridge    domain.TokenBridge
	registry  domain.Registry
	historian *historian.Historian
	oracle    *Oracle
	logger    *slog.Logger

	now func() time.Time
}

// New wires a Ledger over the given arena and collaborators.
func New(cfg Config, store *Store, bridge domain.TokenBridge, registry domain.Registry, hist *historian.Historian, logger *slog.Logger) *Ledger {
	return &Ledger{
		cfg:       cfg,
		store:     store,
		bridge:    bridge,
		registry:  registry,
		historian: hist,
		oracle:    NewOracle(bridge, storeSource{store: store}, cfg.DefaultApproval),
		logger:    logger,
		now:       time.Now,
	}
}

// CreateParams are the caller-supplied fields of a new position.
type CreateParams struct {
	Owner        common.Address
	Receiver     common.Address
	SrcToken     common.Address
	ChainID      uint64
	DestToken    common.Address
	DestDecimals uint8
	Strategy     common.Address
	SrcAmount    *big.Int
	Tau          uint64
	ReqExecution uint64
	// ExecuteNow schedules the first cycle immediately instead of one tau
	// interval out.
	ExecuteNow bool
}

// CreatePosition validates, funds-checks, and opens a new position, returning
// its id. The strategy is dropped when the position settles off the home
// chain; a listed strategy is required otherwise. The composite key
// (owner, srcToken, chainID, destToken, strategy) must not collide with any
// open position.
func (l *Ledger) CreatePosition(ctx context.Context, params CreateParams) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	zero := common.Address{}
	if params.Owner == zero || params.Receiver == zero || params.SrcToken == zero || params.DestToken == zero {
		return 0, fmt.Errorf("ledger: create: %w", domain.ErrNullAddress)
	}
	if params.Tau < l.cfg.MinTau || params.Tau > l.cfg.MaxTau {
		return 0, fmt.Errorf("ledger: create: tau %d: %w", params.Tau, domain.ErrTauOutOfRange)
	}
	if params.SrcAmount == nil || params.SrcAmount.Sign() <= 0 {
		return 0, fmt.Errorf("ledger: create: src amount must be positive")
	}

	listed, err := l.registry.PairListed(ctx, params.SrcToken, params.ChainID, params.DestToken)
	if err != nil {
		return 0, fmt.Errorf("ledger: create: pair lookup: %w", err)
	}
	if !listed {
		return 0, fmt.Errorf("ledger: create: %w", domain.ErrPairNotListed)
	}

	strategy := params.Strategy
	if strategy != zero {
		if params.ChainID != l.cfg.HomeChainID {
			// Strategies only exist on the home chain; a cross-chain
			// position keeps its proceeds plain.
			strategy = zero
		} else {
			ok, err := l.registry.StrategyListed(ctx, strategy, params.DestToken)
			if err != nil {
				return 0, fmt.Errorf("ledger: create: strategy lookup: %w", err)
			}
			if !ok {
				return 0, fmt.Errorf("ledger: create: %w", domain.ErrStrategyNotListed)
			}
		}
	}

	key := domain.PositionKey{
		Owner:     params.Owner,
		SrcToken:  params.SrcToken,
		ChainID:   params.ChainID,
		DestToken: params.DestToken,
		Strategy:  strategy,
	}
	if l.store.openByKey(key) != nil {
		return 0, fmt.Errorf("ledger: create: %w", domain.ErrDuplicatePosition)
	}

	check, err := l.oracle.CheckAllowance(ctx, params.Owner, params.SrcToken, params.SrcAmount, params.ReqExecution)
	if err != nil {
		return 0, fmt.Errorf("ledger: create: %w", err)
	}
	if !check.AllowanceOK {
		return 0, fmt.Errorf("ledger: create: %w", domain.ErrInsufficientAllowance)
	}

	cycles := params.ReqExecution
	if cycles == 0 {
		cycles = 1
	}
	need := new(big.Int).Mul(params.SrcAmount, new(big.Int).SetUint64(cycles))
	funded, err := l.oracle.CheckBalance(ctx, params.Owner, params.SrcToken, need)
	if err != nil {
		return 0, fmt.Errorf("ledger: create: %w", err)
	}
	if !funded {
		return 0, fmt.Errorf("ledger: create: %w", domain.ErrInsufficientBalance)
	}

	now := l.now()
	next := now
	if !params.ExecuteNow {
		next = now.Add(l.tauInterval(params.Tau))
	}

	pos := &domain.Position{
		ID:              l.store.total() + 1,
		Owner:           params.Owner,
		Receiver:        params.Receiver,
		SrcToken:        params.SrcToken,
		ChainID:         params.ChainID,
		DestToken:       params.DestToken,
		DestDecimals:    params.DestDecimals,
		Strategy:        strategy,
		SrcAmount:       new(big.Int).Set(params.SrcAmount),
		Tau:             params.Tau,
		NextExecution:   next,
		ReqExecution:    params.ReqExecution,
		AveragePrice:    new(big.Int),
		PriceSum:        new(big.Int),
		DestTokenEarned: new(big.Int),
		CreatedAt:       now,
	}
	l.store.insert(pos)

	l.logger.Info("ledger: position created",
		slog.Uint64("id", pos.ID),
		slog.String("owner", pos.Owner.Hex()),
		slog.String("src_token", pos.SrcToken.Hex()),
		slog.Uint64("chain_id", pos.ChainID),
		slog.Uint64("tau", pos.Tau),
	)
	return pos.ID, nil
}

// ClosePosition closes the caller's open position under the composite key and
// returns the closed snapshot. The strategy address must match what the
// position was created with, after any cross-chain normalization.
func (l *Ledger) ClosePosition(_ context.Context, owner, srcToken common.Address, chainID uint64, destToken, strategy common.Address) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner == (common.Address{}) {
		return domain.Position{}, fmt.Errorf("ledger: close: %w", domain.ErrNullAddress)
	}
	key := domain.PositionKey{Owner: owner, SrcToken: srcToken, ChainID: chainID, DestToken: destToken, Strategy: strategy}
	p := l.store.openByKey(key)
	if p == nil {
		return domain.Position{}, fmt.Errorf("ledger: close: %w", domain.ErrPositionClosed)
	}
	l.closeLocked(p, domain.CloseReasonUser)
	return p.Clone(), nil
}

// SkipNextExecution pushes the position's next cycle one tau interval further
// out and returns the new schedule.
func (l *Ledger) SkipNextExecution(_ context.Context, owner, srcToken common.Address, chainID uint64, destToken, strategy common.Address) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner == (common.Address{}) {
		return time.Time{}, fmt.Errorf("ledger: skip: %w", domain.ErrNullAddress)
	}
	key := domain.PositionKey{Owner: owner, SrcToken: srcToken, ChainID: chainID, DestToken: destToken, Strategy: strategy}
	p := l.store.openByKey(key)
	if p == nil {
		return time.Time{}, fmt.Errorf("ledger: skip: %w", domain.ErrPositionClosed)
	}
	p.NextExecution = p.NextExecution.Add(l.tauInterval(p.Tau))

	l.logger.Info("ledger: execution skipped",
		slog.Uint64("id", p.ID),
		slog.Time("next_execution", p.NextExecution),
	)
	return p.NextExecution, nil
}

// IsDue reports whether the position exists, is open, and has reached its
// next execution time. Unknown ids are simply not due.
func (l *Ledger) IsDue(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.store.get(id)
	if p == nil {
		return false
	}
	return l.dueLocked(p)
}

// Readiness evaluates the full execution predicate for one position: due,
// allowance covers the owner's aggregate requirement, and balance covers the
// next cycle. Unknown or closed positions report all false.
func (l *Ledger) Readiness(ctx context.Context, id uint64) (domain.Readiness, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readinessLocked(ctx, id)
}

func (l *Ledger) readinessLocked(ctx context.Context, id uint64) (domain.Readiness, error) {
	p := l.store.get(id)
	if p == nil || !p.Open() {
		return domain.Readiness{}, nil
	}

	var r domain.Readiness
	r.Due = l.dueLocked(p)

	required, err := l.oracle.RequiredAllowance(ctx, p.Owner, p.SrcToken)
	if err != nil {
		return domain.Readiness{}, fmt.Errorf("ledger: readiness of %d: %w", id, err)
	}
	live, err := l.bridge.Allowance(ctx, p.SrcToken, p.Owner)
	if err != nil {
		return domain.Readiness{}, fmt.Errorf("ledger: readiness of %d: %w", id, err)
	}
	r.AllowanceOK = live.Cmp(required) >= 0

	funded, err := l.oracle.CheckBalance(ctx, p.Owner, p.SrcToken, p.SrcAmount)
	if err != nil {
		return domain.Readiness{}, fmt.Errorf("ledger: readiness of %d: %w", id, err)
	}
	r.BalanceOK = funded
	return r, nil
}

// PullEscrow moves the due cycle's srcAmount from the owner to the resolver.
// It is idempotent within a cycle: the first call pulls and returns true,
// repeat calls return false without moving funds.
func (l *Ledger) PullEscrow(ctx context.Context, id uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.dueByID(id)
	if err != nil {
		return false, fmt.Errorf("ledger: pull escrow: %w", err)
	}
	if p.FundsPulled {
		return false, nil
	}
	if err := l.bridge.TransferFrom(ctx, p.SrcToken, p.Owner, l.cfg.Resolver, p.SrcAmount); err != nil {
		return false, fmt.Errorf("ledger: pull escrow %d: %w", id, err)
	}
	p.FundsPulled = true

	l.logger.Debug("ledger: escrow pulled",
		slog.Uint64("id", id),
		slog.String("amount", p.SrcAmount.String()),
	)
	return true, nil
}

// ReleaseEscrow undoes a PullEscrow that will not settle, returning the
// cycle's funds from the resolver to the owner. A position whose escrow is
// not held is a no-op.
func (l *Ledger) ReleaseEscrow(ctx context.Context, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.store.get(id)
	if p == nil {
		return fmt.Errorf("ledger: release escrow: %w", domain.ErrIDOutOfRange)
	}
	if !p.FundsPulled {
		return nil
	}
	if err := l.bridge.TransferFrom(ctx, p.SrcToken, l.cfg.Resolver, p.Owner, p.SrcAmount); err != nil {
		return fmt.Errorf("ledger: release escrow %d: %w", id, err)
	}
	p.FundsPulled = false

	l.logger.Debug("ledger: escrow released", slog.Uint64("id", id))
	return nil
}

// SettlementOutcome reports what ApplySettlement did.
type SettlementOutcome struct {
	// Position is the post-settlement snapshot.
	Position domain.Position
	// Executed is true for a successful cycle.
	Executed bool
	// Proceeds is the cycle's own destination-token output, as reported by
	// the resolver. Nil on a failed cycle. The position's DestTokenEarned
	// carries the running total.
	Proceeds *big.Int
	// Refunded is true when a failed cycle returned held escrow to the owner.
	Refunded bool
	// Closed is true when the settlement also closed the position, with
	// Reason saying why.
	Closed bool
	Reason domain.CloseReason
}

// ApplySettlement applies the resolver's report for one due cycle.
//
// A 2xx code counts a successful execution: the strike counter resets, the
// proceeds and price accumulate, and a position that has reached its required
// execution count closes as completed. Any other code counts a strike: held
// escrow is refunded to the owner (from vault holdings for a strategy-side
// failure, from the resolver otherwise), and the second consecutive strike
// force-closes the position. Either way the next cycle is scheduled one tau
// interval after the previous schedule.
func (l *Ledger) ApplySettlement(ctx context.Context, res domain.SettlementResult) (SettlementOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.dueByID(res.ID)
	if err != nil {
		return SettlementOutcome{}, fmt.Errorf("ledger: settle: %w", err)
	}
	if res.Code.Success() {
		return l.settleSuccessLocked(p, res), nil
	}
	return l.settleFailureLocked(ctx, p, res)
}

func (l *Ledger) settleSuccessLocked(p *domain.Position, res domain.SettlementResult) SettlementOutcome {
	p.FundsPulled = false
	p.PerfExecution++
	p.Strike = 0
	p.LastResultCode = res.Code
	if res.Proceeds != nil {
		p.DestTokenEarned.Add(p.DestTokenEarned, res.Proceeds)
	}
	if res.Price != nil {
		p.PriceSum.Add(p.PriceSum, res.Price)
	}
	// Exact running mean: recomputed from the sum each cycle so truncation
	// never compounds.
	p.AveragePrice = new(big.Int).Div(p.PriceSum, new(big.Int).SetUint64(p.PerfExecution))
	p.NextExecution = p.NextExecution.Add(l.tauInterval(p.Tau))

	out := SettlementOutcome{Executed: true, Proceeds: new(big.Int)}
	if res.Proceeds != nil {
		out.Proceeds.Set(res.Proceeds)
	}
	if p.ReqExecution != 0 && p.PerfExecution >= p.ReqExecution {
		l.closeLocked(p, domain.CloseReasonCompleted)
		out.Closed = true
		out.Reason = domain.CloseReasonCompleted
	}

	l.logger.Info("ledger: cycle executed",
		slog.Uint64("id", p.ID),
		slog.Uint64("perf_execution", p.PerfExecution),
		slog.Bool("closed", out.Closed),
	)
	out.Position = p.Clone()
	return out
}

func (l *Ledger) settleFailureLocked(ctx context.Context, p *domain.Position, res domain.SettlementResult) (SettlementOutcome, error) {
	refunded := false
	if p.FundsPulled {
		var err error
		if res.Code == domain.CodeStrategyError {
			// The swap leg completed and funds sit in the vault; the
			// strategy leg failed, so make the owner whole from holdings.
			err = l.bridge.Transfer(ctx, p.SrcToken, p.Owner, p.SrcAmount)
		} else {
			err = l.bridge.TransferFrom(ctx, p.SrcToken, l.cfg.Resolver, p.Owner, p.SrcAmount)
		}
		if err != nil {
			return SettlementOutcome{}, fmt.Errorf("ledger: settle %d: refund: %w", p.ID, err)
		}
		p.FundsPulled = false
		refunded = true
	}

	p.Strike++
	p.LastResultCode = res.Code
	p.NextExecution = p.NextExecution.Add(l.tauInterval(p.Tau))

	out := SettlementOutcome{Refunded: refunded}
	if p.Strike >= 2 {
		l.closeLocked(p, domain.CloseReasonStruck)
		out.Closed = true
		out.Reason = domain.CloseReasonStruck
	}

	l.logger.Warn("ledger: cycle failed",
		slog.Uint64("id", p.ID),
		slog.Uint64("strike", p.Strike),
		slog.Int("code", int(res.Code)),
		slog.Bool("refunded", refunded),
		slog.Bool("closed", out.Closed),
	)
	out.Position = p.Clone()
	return out, nil
}

// PositionByID returns the record for id, open or closed.
func (l *Ledger) PositionByID(id uint64) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.store.get(id)
	if p == nil {
		return domain.Position{}, fmt.Errorf("ledger: position %d: %w", id, domain.ErrIDOutOfRange)
	}
	return p.Clone(), nil
}

// PositionDetail returns the owner-facing view of a position, refusing
// callers that do not own it.
func (l *Ledger) PositionDetail(ctx context.Context, id uint64, caller common.Address) (domain.PositionDetail, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.store.get(id)
	if p == nil {
		return domain.PositionDetail{}, fmt.Errorf("ledger: detail %d: %w", id, domain.ErrIDOutOfRange)
	}
	if p.Owner != caller {
		return domain.PositionDetail{}, fmt.Errorf("ledger: detail %d: %w", id, domain.ErrNotOwner)
	}

	detail := domain.PositionDetail{Position: p.Clone()}
	if !p.Open() {
		return detail, nil
	}
	r, err := l.readinessLocked(ctx, id)
	if err != nil {
		return domain.PositionDetail{}, err
	}
	detail.AllowanceOK = r.AllowanceOK
	detail.BalanceOK = r.BalanceOK
	return detail, nil
}

// OwnerPositions returns snapshots of the owner's open positions in creation
// order.
func (l *Ledger) OwnerPositions(owner common.Address) []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.store.openByOwner(owner)
	out := make([]domain.Position, 0, len(live))
	for _, p := range live {
		out = append(out, p.Clone())
	}
	return out
}

// PositionData returns the resolver-facing view of one position, including
// the source token's live decimals.
func (l *Ledger) PositionData(ctx context.Context, id uint64) (domain.PositionData, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positionDataLocked(ctx, id)
}

func (l *Ledger) positionDataLocked(ctx context.Context, id uint64) (domain.PositionData, error) {
	p := l.store.get(id)
	if p == nil {
		return domain.PositionData{}, fmt.Errorf("ledger: data %d: %w", id, domain.ErrIDOutOfRange)
	}
	decimals, err := l.bridge.Decimals(ctx, p.SrcToken)
	if err != nil {
		return domain.PositionData{}, fmt.Errorf("ledger: data %d: %w", id, err)
	}
	return domain.PositionData{
		ID:           p.ID,
		Owner:        p.Owner,
		Receiver:     p.Receiver,
		SrcToken:     p.SrcToken,
		SrcDecimals:  decimals,
		ChainID:      p.ChainID,
		DestToken:    p.DestToken,
		DestDecimals: p.DestDecimals,
		Strategy:     p.Strategy,
		SrcAmount:    new(big.Int).Set(p.SrcAmount),
	}, nil
}

// DuePositions returns the ids of every open position whose next execution
// time has arrived, in id order.
func (l *Ledger) DuePositions() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []uint64
	for _, p := range l.store.positions {
		if l.dueLocked(p) {
			out = append(out, p.ID)
		}
	}
	return out
}

// DuePositionData returns the resolver views of every due position.
func (l *Ledger) DuePositionData(ctx context.Context) ([]domain.PositionData, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.PositionData
	for _, p := range l.store.positions {
		if !l.dueLocked(p) {
			continue
		}
		data, err := l.positionDataLocked(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// CheckAvailability reports whether the composite key is free for a new
// position.
func (l *Ledger) CheckAvailability(owner, srcToken common.Address, chainID uint64, destToken, strategy common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner == (common.Address{}) {
		return false
	}
	key := domain.PositionKey{Owner: owner, SrcToken: srcToken, ChainID: chainID, DestToken: destToken, Strategy: strategy}
	return l.store.openByKey(key) == nil
}

// TotalPositions counts every position ever created.
func (l *Ledger) TotalPositions() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.total()
}

// ActivePositions counts currently open positions.
func (l *Ledger) ActivePositions() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.activeCount()
}

// CheckAllowance exposes the oracle's allowance recommendation for a
// prospective position.
func (l *Ledger) CheckAllowance(ctx context.Context, owner, token common.Address, srcAmount *big.Int, reqExecution uint64) (domain.AllowanceCheck, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.oracle.CheckAllowance(ctx, owner, token, srcAmount, reqExecution)
}

// RequiredAllowance exposes the owner's aggregate allowance requirement for
// token.
func (l *Ledger) RequiredAllowance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.oracle.RequiredAllowance(ctx, owner, token)
}

func (l *Ledger) tauInterval(tau uint64) time.Duration {
	return time.Duration(tau) * l.cfg.TimeBase
}

func (l *Ledger) dueLocked(p *domain.Position) bool {
	return p.Open() && !l.now().Before(p.NextExecution)
}

func (l *Ledger) dueByID(id uint64) (*domain.Position, error) {
	p := l.store.get(id)
	if p == nil {
		return nil, domain.ErrIDOutOfRange
	}
	if !l.dueLocked(p) {
		return nil, domain.ErrNotDue
	}
	return p, nil
}

// closeLocked retires an open position: the receiver is zeroed, the key is
// freed, and a history entry is written.
func (l *Ledger) closeLocked(p *domain.Position, reason domain.CloseReason) {
	key := p.Key()
	p.Receiver = common.Address{}
	p.FundsPulled = false
	l.store.release(key)

	// Owner is never the zero address for an open position, so the
	// historian cannot reject this entry.
	_ = l.historian.Store(p.Owner, domain.HistorianEntry{
		PositionID: p.ID,
		SrcToken:   p.SrcToken,
		ChainID:    p.ChainID,
		DestToken:  p.DestToken,
		Strategy:   p.Strategy,
		Reason:     reason,
		ClosedAt:   l.now(),
	})

	l.logger.Info("ledger: position closed",
		slog.Uint64("id", p.ID),
		slog.String("owner", p.Owner.Hex()),
		slog.String("reason", string(reason)),
	)
}
