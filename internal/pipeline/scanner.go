// Package pipeline hosts the background loops of neond: the due-position
// scanner and the cold-storage archiver. Loops observe and report; they never
// mutate ledger state themselves.
package pipeline

import (
	"context"
	"time"

	"log/slog"

	"github.com/NEONdAPP/neon-core-go/internal/resolver"
)

// DueSource is the slice of the ledger the scanner reads.
type DueSource interface {
	DuePositions() []uint64
}

// StatusSource reports the orchestrator's round state.
type StatusSource interface {
	Status() resolver.Status
}

// Scanner periodically reports how many positions are due and watches for
// stuck settlement rounds. Rounds have no protocol-level timeout; a round
// open past the warn threshold is an operator problem, so the scanner warns
// and leaves the state alone.
type Scanner struct {
	due       DueSource
	status    StatusSource
	interval  time.Duration
	warnAfter time.Duration
	logger    *slog.Logger

	now func() time.Time
}

// NewScanner creates a new Scanner.
func NewScanner(due DueSource, status StatusSource, interval, warnAfter time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		due:       due,
		status:    status,
		interval:  interval,
		warnAfter: warnAfter,
		logger:    logger,
		now:       time.Now,
	}
}

// Run scans on a fixed interval until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("pipeline: scanner started",
		slog.Duration("interval", s.interval),
		slog.Duration("warn_after", s.warnAfter),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pipeline: scanner stopped")
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	st := s.status.Status()

	if st.Busy {
		age := s.now().Sub(st.Opened)
		if age > s.warnAfter {
			s.logger.WarnContext(ctx, "pipeline: settlement round open past threshold",
				slog.String("round_id", st.RoundID),
				slog.Duration("age", age),
			)
		}
		return
	}

	if due := s.due.DuePositions(); len(due) > 0 {
		s.logger.InfoContext(ctx, "pipeline: positions due for execution",
			slog.Int("count", len(due)),
		)
	}
}
