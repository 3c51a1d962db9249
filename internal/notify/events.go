package notify

import (
	"context"
	"fmt"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

// Formatted alerts for the event types operators subscribe to. Each helper
// routes through Notify so the configured event filter still applies.

// PositionClosed alerts on any closure, naming the reason.
func (n *Notifier) PositionClosed(ctx context.Context, p domain.Position, reason domain.CloseReason) error {
	title := fmt.Sprintf("Position #%d closed", p.ID)
	message := fmt.Sprintf(
		"Owner: %s\nToken: %s (chain %d)\nReason: %s\nExecutions: %d/%d",
		p.Owner.Hex(), p.SrcToken.Hex(), p.ChainID, reason, p.PerfExecution, p.ReqExecution,
	)
	return n.Notify(ctx, domain.EventPositionClosed, title, message)
}

// ExecutionFailed alerts on a struck settlement cycle.
func (n *Notifier) ExecutionFailed(ctx context.Context, p domain.Position, code domain.ResultCode) error {
	title := fmt.Sprintf("Execution failed for position #%d", p.ID)
	message := fmt.Sprintf(
		"Owner: %s\nToken: %s (chain %d)\nResult code: %d\nStrike: %d of 2",
		p.Owner.Hex(), p.SrcToken.Hex(), p.ChainID, code, p.Strike,
	)
	return n.Notify(ctx, domain.EventExecutionFailed, title, message)
}

// Error alerts on an internal fault that needs operator attention.
func (n *Notifier) Error(ctx context.Context, component string, err error) error {
	title := fmt.Sprintf("Error in %s", component)
	return n.Notify(ctx, "error", title, err.Error())
}
