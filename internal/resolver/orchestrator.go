// Package resolver coordinates batch settlement rounds. A round is a
// two-phase exchange with the off-chain settlement agent: StartRound hands it
// the due positions and flips the busy flag, StartExecution pulls the escrow
// for the batch, and ClosureExecution applies the agent's results and reopens
// the orchestrator. The busy flag is the only round state; there is no
// timeout, a stuck round is surfaced by the scanner's warnings and resolved
// operationally.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
	"github.com/NEONdAPP/neon-core-go/internal/ledger"
)

// Round is what StartRound hands the settlement agent.
type Round struct {
	ID     string                `json:"id"`
	Opened time.Time             `json:"opened"`
	Due    []domain.PositionData `json:"due"`
}

// Status is the orchestrator's observable state.
type Status struct {
	Busy    bool      `json:"busy"`
	RoundID string    `json:"round_id,omitempty"`
	Opened  time.Time `json:"opened,omitempty"`
}

// Orchestrator serializes settlement rounds over the ledger. Every mutating
// method authenticates the caller against the configured resolver address.
type Orchestrator struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	bridge   domain.TokenBridge
	resolver common.Address
	vault    common.Address
	logger   *slog.Logger

	busy    bool
	roundID string
	opened  time.Time

	now func() time.Time
}

// New wires an Orchestrator for the given resolver identity and vault.
func New(l *ledger.Ledger, bridge domain.TokenBridge, resolver, vault common.Address, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:   l,
		bridge:   bridge,
		resolver: resolver,
		vault:    vault,
		logger:   logger,
		now:      time.Now,
	}
}

func (o *Orchestrator) authorize(caller common.Address) error {
	if caller != o.resolver {
		return fmt.Errorf("resolver: caller %s: %w", caller.Hex(), domain.ErrNotResolver)
	}
	return nil
}

// IsExecutionNeeded reports whether any position is due.
func (o *Orchestrator) IsExecutionNeeded() bool {
	return len(o.ledger.DuePositions()) > 0
}

// Status returns the current round state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{Busy: o.busy, RoundID: o.roundID, Opened: o.opened}
}

// StartRound opens a settlement round and returns the due positions. Fails
// with ErrRoundInProgress while a round is open and with ErrNotDue when
// nothing needs executing.
func (o *Orchestrator) StartRound(ctx context.Context, caller common.Address) (Round, error) {
	if err := o.authorize(caller); err != nil {
		return Round{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.busy {
		return Round{}, fmt.Errorf("resolver: start round: %w", domain.ErrRoundInProgress)
	}
	due, err := o.ledger.DuePositionData(ctx)
	if err != nil {
		return Round{}, fmt.Errorf("resolver: start round: %w", err)
	}
	if len(due) == 0 {
		return Round{}, fmt.Errorf("resolver: start round: %w", domain.ErrNotDue)
	}

	o.busy = true
	o.roundID = uuid.NewString()
	o.opened = o.now()

	o.logger.Info("resolver: round opened",
		slog.String("round_id", o.roundID),
		slog.Int("due", len(due)),
	)
	return Round{ID: o.roundID, Opened: o.opened, Due: due}, nil
}

// StartExecution pulls the escrow of every listed position. The batch is
// all-or-nothing: if any pull fails, escrow pulled earlier in the batch is
// released back to its owners and the round stays open for a retry.
func (o *Orchestrator) StartExecution(ctx context.Context, caller common.Address, ids []uint64) error {
	if err := o.authorize(caller); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.busy {
		return fmt.Errorf("resolver: start execution: %w", domain.ErrNoOpenRound)
	}

	var pulled []uint64
	for _, id := range ids {
		moved, err := o.ledger.PullEscrow(ctx, id)
		if err != nil {
			o.rollback(ctx, pulled)
			return fmt.Errorf("resolver: start execution: position %d: %w", id, err)
		}
		if moved {
			pulled = append(pulled, id)
		}
	}

	o.logger.Info("resolver: escrow pulled",
		slog.String("round_id", o.roundID),
		slog.Int("positions", len(pulled)),
	)
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, pulled []uint64) {
	for _, id := range pulled {
		if err := o.ledger.ReleaseEscrow(ctx, id); err != nil {
			// Funds stay with the resolver; the failed cycle's settlement
			// report will still refund the owner.
			o.logger.Error("resolver: rollback release failed",
				slog.Uint64("id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ClosureExecution applies the agent's settlement reports and closes the
// round. Every report is processed even when some fail to apply; the busy
// flag always clears so one bad report cannot wedge the orchestrator. Returns
// the number of reports applied and their outcomes.
func (o *Orchestrator) ClosureExecution(ctx context.Context, caller common.Address, results []domain.SettlementResult) ([]ledger.SettlementOutcome, error) {
	if err := o.authorize(caller); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.busy {
		return nil, fmt.Errorf("resolver: closure: %w", domain.ErrNoOpenRound)
	}
	roundID := o.roundID
	defer func() {
		o.busy = false
		o.roundID = ""
		o.opened = time.Time{}
	}()

	outcomes := make([]ledger.SettlementOutcome, 0, len(results))
	for _, res := range results {
		out, err := o.ledger.ApplySettlement(ctx, res)
		if err != nil {
			o.logger.Warn("resolver: settlement rejected",
				slog.String("round_id", roundID),
				slog.Uint64("id", res.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		outcomes = append(outcomes, out)
	}

	o.logger.Info("resolver: round closed",
		slog.String("round_id", roundID),
		slog.Int("reported", len(results)),
		slog.Int("settled", len(outcomes)),
	)
	return outcomes, nil
}

// ResidualSweep reports one token's share of a GetResidual batch.
type ResidualSweep struct {
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// GetResidual sweeps the vault's full holdings of each listed token to the
// resolver. Refused while a round is open, since an open round may still need
// vault funds for strategy-side refunds. A transfer failure aborts the batch;
// tokens swept before it stand.
func (o *Orchestrator) GetResidual(ctx context.Context, caller common.Address, tokens []common.Address) ([]ResidualSweep, error) {
	if err := o.authorize(caller); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.busy {
		return nil, fmt.Errorf("resolver: residual: %w", domain.ErrResolverBusy)
	}

	sweeps := make([]ResidualSweep, 0, len(tokens))
	for _, token := range tokens {
		balance, err := o.bridge.BalanceOf(ctx, token, o.vault)
		if err != nil {
			return nil, fmt.Errorf("resolver: residual %s: %w", token.Hex(), err)
		}
		if balance.Sign() > 0 {
			if err := o.bridge.Transfer(ctx, token, o.resolver, balance); err != nil {
				return nil, fmt.Errorf("resolver: residual %s: %w", token.Hex(), err)
			}
			o.logger.Info("resolver: residual swept",
				slog.String("token", token.Hex()),
				slog.String("amount", balance.String()),
			)
		}
		sweeps = append(sweeps, ResidualSweep{Token: token, Amount: balance})
	}
	return sweeps, nil
}
