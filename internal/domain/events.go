package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Signal bus channels consumed by off-chain indexers, the resolver agent, and
// the WebSocket hub.
const (
	ChannelPositions  = "positions"  // created / closed / skipped
	ChannelExecutions = "executions" // executed / execution_failed
	ChannelRounds     = "rounds"     // round_opened / round_closed
)

// Event names carried in the "event" field of every published payload.
const (
	EventPositionCreated  = "position_created"
	EventPositionClosed   = "position_closed"
	EventPositionSkipped  = "position_skipped"
	EventPositionExecuted = "position_executed"
	EventExecutionFailed  = "position_execution_failed"
	EventRoundOpened      = "round_opened"
	EventRoundClosed      = "round_closed"
)

// PositionCreatedEvent announces a new open position.
type PositionCreatedEvent struct {
	Event string         `json:"event"`
	ID    uint64         `json:"id"`
	Owner common.Address `json:"owner"`
}

// PositionClosedEvent announces a closure of any kind.
type PositionClosedEvent struct {
	Event  string         `json:"event"`
	ID     uint64         `json:"id"`
	Owner  common.Address `json:"owner"`
	Reason CloseReason    `json:"reason"`
}

// PositionSkippedEvent carries the post-skip schedule.
type PositionSkippedEvent struct {
	Event         string         `json:"event"`
	ID            uint64         `json:"id"`
	Owner         common.Address `json:"owner"`
	NextExecution time.Time      `json:"next_execution"`
}

// PositionExecutedEvent is published on every successful settlement.
type PositionExecutedEvent struct {
	Event        string         `json:"event"`
	ID           uint64         `json:"id"`
	Receiver     common.Address `json:"receiver"`
	ChainID      uint64         `json:"chain_id"`
	Proceeds     *big.Int       `json:"proceeds"`
	StrategyUsed bool           `json:"strategy_used"`
	Code         ResultCode     `json:"code"`
}

// ExecutionFailedEvent is published when a settlement cycle strikes.
type ExecutionFailedEvent struct {
	Event  string         `json:"event"`
	ID     uint64         `json:"id"`
	Owner  common.Address `json:"owner"`
	Strike uint64         `json:"strike"`
	Code   ResultCode     `json:"code"`
}

// RoundEvent brackets a settlement round.
type RoundEvent struct {
	Event   string `json:"event"`
	RoundID string `json:"round_id"`
	// Settled is only populated on round_closed.
	Settled int `json:"settled,omitempty"`
}
