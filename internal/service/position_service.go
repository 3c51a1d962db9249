package service

import (
	"context"
	"math/big"
	"time"

	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
	"github.com/NEONdAPP/neon-core-go/internal/historian"
	"github.com/NEONdAPP/neon-core-go/internal/ledger"
	"github.com/NEONdAPP/neon-core-go/internal/notify"
)

// PositionService is the owner-facing surface of the ledger: position
// creation, closure, schedule skips, and queries. Every state change is
// published on the signal bus, mirrored into the Postgres archive, and
// recorded in the audit log; all three are best-effort and never roll back
// the ledger operation itself.
type PositionService struct {
	ledger   *ledger.Ledger
	hist     *historian.Historian
	archive  domain.PositionArchive
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	l *ledger.Ledger,
	hist *historian.Historian,
	archive domain.PositionArchive,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		ledger:   l,
		hist:     hist,
		archive:  archive,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger,
	}
}

// Create opens a new position and returns its id.
func (s *PositionService) Create(ctx context.Context, params ledger.CreateParams) (uint64, error) {
	id, err := s.ledger.CreatePosition(ctx, params)
	if err != nil {
		return 0, err
	}

	pos, err := s.ledger.PositionByID(id)
	if err == nil {
		mirrorPosition(ctx, s.archive, s.logger, pos)
	}

	publish(ctx, s.bus, s.logger, domain.ChannelPositions, domain.PositionCreatedEvent{
		Event: domain.EventPositionCreated,
		ID:    id,
		Owner: params.Owner,
	})

	auditLog(ctx, s.audit, s.logger, "position.created", map[string]any{
		"position_id":   id,
		"owner":         params.Owner.Hex(),
		"src_token":     params.SrcToken.Hex(),
		"chain_id":      params.ChainID,
		"dest_token":    params.DestToken.Hex(),
		"strategy":      params.Strategy.Hex(),
		"src_amount":    params.SrcAmount.String(),
		"tau":           params.Tau,
		"req_execution": params.ReqExecution,
	})

	s.logger.InfoContext(ctx, "position_service: position created",
		slog.Uint64("position_id", id),
		slog.String("owner", params.Owner.Hex()),
	)

	return id, nil
}

// Close closes the open position matching the composite key and returns the
// final snapshot.
func (s *PositionService) Close(ctx context.Context, owner, srcToken common.Address, chainID uint64, destToken, strategy common.Address) (domain.Position, error) {
	pos, err := s.ledger.ClosePosition(ctx, owner, srcToken, chainID, destToken, strategy)
	if err != nil {
		return domain.Position{}, err
	}

	mirrorPosition(ctx, s.archive, s.logger, pos)

	publish(ctx, s.bus, s.logger, domain.ChannelPositions, domain.PositionClosedEvent{
		Event:  domain.EventPositionClosed,
		ID:     pos.ID,
		Owner:  pos.Owner,
		Reason: domain.CloseReasonUser,
	})

	auditLog(ctx, s.audit, s.logger, "position.closed", map[string]any{
		"position_id":    pos.ID,
		"owner":          pos.Owner.Hex(),
		"reason":         string(domain.CloseReasonUser),
		"perf_execution": pos.PerfExecution,
	})

	if err := s.notifier.PositionClosed(ctx, pos, domain.CloseReasonUser); err != nil {
		s.logger.WarnContext(ctx, "position_service: close notification failed",
			slog.Uint64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "position_service: position closed",
		slog.Uint64("position_id", pos.ID),
		slog.String("owner", pos.Owner.Hex()),
	)

	return pos, nil
}

// Skip pushes the matching position's next execution one interval forward and
// returns the new schedule.
func (s *PositionService) Skip(ctx context.Context, owner, srcToken common.Address, chainID uint64, destToken, strategy common.Address) (time.Time, error) {
	next, err := s.ledger.SkipNextExecution(ctx, owner, srcToken, chainID, destToken, strategy)
	if err != nil {
		return time.Time{}, err
	}

	key := domain.PositionKey{Owner: owner, SrcToken: srcToken, ChainID: chainID, DestToken: destToken, Strategy: strategy}
	if pos, ok := s.openByKey(key); ok {
		mirrorPosition(ctx, s.archive, s.logger, pos)
		publish(ctx, s.bus, s.logger, domain.ChannelPositions, domain.PositionSkippedEvent{
			Event:         domain.EventPositionSkipped,
			ID:            pos.ID,
			Owner:         owner,
			NextExecution: next,
		})
	}

	auditLog(ctx, s.audit, s.logger, "position.skipped", map[string]any{
		"owner":          owner.Hex(),
		"src_token":      srcToken.Hex(),
		"next_execution": next.Format(time.RFC3339),
	})

	return next, nil
}

// openByKey finds the open position matching key among the owner's positions.
func (s *PositionService) openByKey(key domain.PositionKey) (domain.Position, bool) {
	for _, p := range s.ledger.OwnerPositions(key.Owner) {
		if p.Open() && p.Key() == key {
			return p, true
		}
	}
	return domain.Position{}, false
}

// Detail returns the owner-facing view of a position, enforcing that the
// caller owns it.
func (s *PositionService) Detail(ctx context.Context, id uint64, caller common.Address) (domain.PositionDetail, error) {
	return s.ledger.PositionDetail(ctx, id, caller)
}

// ListByOwner returns every position, open or closed, recorded for the owner.
func (s *PositionService) ListByOwner(owner common.Address) []domain.Position {
	return s.ledger.OwnerPositions(owner)
}

// History returns the owner's closure ring, most recent last.
func (s *PositionService) History(owner common.Address) []domain.HistorianEntry {
	data, n := s.hist.GetData(owner)
	return data[:n]
}

// ArchivedByOwner reads the owner's positions from the durable archive. Unlike
// ListByOwner this survives process restarts and covers archived history.
func (s *PositionService) ArchivedByOwner(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	return s.archive.ListByOwner(ctx, owner.Hex(), opts)
}

// CheckAllowance reports whether the owner's live authorization covers their
// existing positions plus a prospective one.
func (s *PositionService) CheckAllowance(ctx context.Context, owner, token common.Address, srcAmount *big.Int, reqExecution uint64) (domain.AllowanceCheck, error) {
	return s.ledger.CheckAllowance(ctx, owner, token, srcAmount, reqExecution)
}

// RequiredAllowance returns the total authorization the owner's open
// positions on the token currently demand.
func (s *PositionService) RequiredAllowance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	return s.ledger.RequiredAllowance(ctx, owner, token)
}

// CheckAvailability reports whether the composite key is free.
func (s *PositionService) CheckAvailability(owner, srcToken common.Address, chainID uint64, destToken, strategy common.Address) bool {
	return s.ledger.CheckAvailability(owner, srcToken, chainID, destToken, strategy)
}

// Stats returns the total and active position counts.
func (s *PositionService) Stats() (total, active uint64) {
	return s.ledger.TotalPositions(), s.ledger.ActivePositions()
}
