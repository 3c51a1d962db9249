package service

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
	"github.com/NEONdAPP/neon-core-go/internal/ledger"
	"github.com/NEONdAPP/neon-core-go/internal/notify"
	"github.com/NEONdAPP/neon-core-go/internal/resolver"
)

// roundLockKey guards settlement rounds across neond instances sharing a
// deployment. The in-process busy flag already serializes rounds within one
// instance; the distributed lock extends that to replicas.
const roundLockKey = "resolver:round"

// roundLockTTL bounds how long a crashed instance can hold the round lock.
// Rounds have no protocol-level timeout, so the TTL is generous.
const roundLockTTL = 30 * time.Minute

// ResolverService is the resolver-agent-facing surface: settlement round
// lifecycle, escrow movement, and residual sweeps. It wraps the orchestrator
// with distributed locking, event publication, archive mirroring, and
// operator alerts.
type ResolverService struct {
	orch     *resolver.Orchestrator
	archive  domain.PositionArchive
	bus      domain.SignalBus
	audit    domain.AuditStore
	locks    domain.LockManager
	notifier *notify.Notifier
	logger   *slog.Logger

	mu     sync.Mutex
	unlock func()
}

// NewResolverService creates a ResolverService with all required dependencies.
func NewResolverService(
	orch *resolver.Orchestrator,
	archive domain.PositionArchive,
	bus domain.SignalBus,
	audit domain.AuditStore,
	locks domain.LockManager,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *ResolverService {
	return &ResolverService{
		orch:     orch,
		archive:  archive,
		bus:      bus,
		audit:    audit,
		locks:    locks,
		notifier: notifier,
		logger:   logger,
	}
}

// IsExecutionNeeded reports whether any position is due.
func (s *ResolverService) IsExecutionNeeded() bool {
	return s.orch.IsExecutionNeeded()
}

// Status returns the current round state.
func (s *ResolverService) Status() resolver.Status {
	return s.orch.Status()
}

// StartRound acquires the distributed round lock and opens a settlement
// round. The lock is held until the orchestrator accepts a closure.
func (s *ResolverService) StartRound(ctx context.Context, caller common.Address) (resolver.Round, error) {
	unlock, err := s.locks.Acquire(ctx, roundLockKey, roundLockTTL)
	if err != nil {
		return resolver.Round{}, err
	}

	round, err := s.orch.StartRound(ctx, caller)
	if err != nil {
		unlock()
		return resolver.Round{}, err
	}

	s.mu.Lock()
	s.unlock = unlock
	s.mu.Unlock()

	publish(ctx, s.bus, s.logger, domain.ChannelRounds, domain.RoundEvent{
		Event:   domain.EventRoundOpened,
		RoundID: round.ID,
	})

	auditLog(ctx, s.audit, s.logger, "round.opened", map[string]any{
		"round_id": round.ID,
		"due":      len(round.Due),
	})

	return round, nil
}

// StartExecution pulls escrow for the given positions within the open round.
func (s *ResolverService) StartExecution(ctx context.Context, caller common.Address, ids []uint64) error {
	if err := s.orch.StartExecution(ctx, caller, ids); err != nil {
		auditLog(ctx, s.audit, s.logger, "round.execution_failed", map[string]any{
			"positions": len(ids),
			"error":     err.Error(),
		})
		if nerr := s.notifier.Error(ctx, "resolver", err); nerr != nil {
			s.logger.WarnContext(ctx, "resolver_service: error notification failed",
				slog.String("error", nerr.Error()),
			)
		}
		return err
	}

	auditLog(ctx, s.audit, s.logger, "round.escrow_pulled", map[string]any{
		"positions": len(ids),
	})
	return nil
}

// ClosureExecution settles the round from the resolver's reports, publishes a
// per-position event for each settled cycle, and releases the round lock. A
// rejected closure (wrong caller, no open round) keeps the lock: the round is
// still open here, and dropping the lock would let another replica open a
// concurrent one. Individual rejected reports do not keep it; the orchestrator
// closes the round regardless.
func (s *ResolverService) ClosureExecution(ctx context.Context, caller common.Address, results []domain.SettlementResult) ([]ledger.SettlementOutcome, error) {
	roundID := s.orch.Status().RoundID

	outcomes, err := s.orch.ClosureExecution(ctx, caller, results)
	if err != nil {
		return nil, err
	}
	s.releaseLock()

	for _, out := range outcomes {
		s.publishOutcome(ctx, out)
		mirrorPosition(ctx, s.archive, s.logger, out.Position)
	}

	publish(ctx, s.bus, s.logger, domain.ChannelRounds, domain.RoundEvent{
		Event:   domain.EventRoundClosed,
		RoundID: roundID,
		Settled: len(outcomes),
	})

	auditLog(ctx, s.audit, s.logger, "round.closed", map[string]any{
		"round_id": roundID,
		"reported": len(results),
		"settled":  len(outcomes),
	})

	return outcomes, nil
}

// publishOutcome fans one settlement outcome out to the executions channel
// and, where relevant, to the operator notifier.
func (s *ResolverService) publishOutcome(ctx context.Context, out ledger.SettlementOutcome) {
	p := out.Position

	if out.Executed {
		publish(ctx, s.bus, s.logger, domain.ChannelExecutions, domain.PositionExecutedEvent{
			Event:        domain.EventPositionExecuted,
			ID:           p.ID,
			Receiver:     p.Receiver,
			ChainID:      p.ChainID,
			Proceeds:     out.Proceeds,
			StrategyUsed: p.StrategyEnabled(),
			Code:         p.LastResultCode,
		})
	} else {
		publish(ctx, s.bus, s.logger, domain.ChannelExecutions, domain.ExecutionFailedEvent{
			Event:  domain.EventExecutionFailed,
			ID:     p.ID,
			Owner:  p.Owner,
			Strike: p.Strike,
			Code:   p.LastResultCode,
		})
		if err := s.notifier.ExecutionFailed(ctx, p, p.LastResultCode); err != nil {
			s.logger.WarnContext(ctx, "resolver_service: failure notification failed",
				slog.Uint64("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if out.Closed {
		publish(ctx, s.bus, s.logger, domain.ChannelPositions, domain.PositionClosedEvent{
			Event:  domain.EventPositionClosed,
			ID:     p.ID,
			Owner:  p.Owner,
			Reason: out.Reason,
		})
		if err := s.notifier.PositionClosed(ctx, p, out.Reason); err != nil {
			s.logger.WarnContext(ctx, "resolver_service: close notification failed",
				slog.Uint64("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Residual sweeps stranded vault holdings of the listed tokens to the
// resolver.
func (s *ResolverService) Residual(ctx context.Context, caller common.Address, tokens []common.Address) ([]resolver.ResidualSweep, error) {
	sweeps, err := s.orch.GetResidual(ctx, caller, tokens)
	if err != nil {
		return nil, err
	}

	for _, sweep := range sweeps {
		if sweep.Amount.Sign() > 0 {
			auditLog(ctx, s.audit, s.logger, "residual.swept", map[string]any{
				"token":  sweep.Token.Hex(),
				"amount": sweep.Amount.String(),
			})
		}
	}

	return sweeps, nil
}

func (s *ResolverService) releaseLock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unlock != nil {
		s.unlock()
		s.unlock = nil
	}
}
