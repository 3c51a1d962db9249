package domain

import "errors"

var (
	// Validation errors — rejected before any state change.
	ErrNullAddress       = errors.New("null address not allowed")
	ErrTauOutOfRange     = errors.New("tau out of limits")
	ErrDuplicatePosition = errors.New("already created with this pair")
	ErrPositionClosed    = errors.New("already closed")

	// Funding errors — caller must top up and retry.
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient approved token")

	// Timing errors.
	ErrIDOutOfRange = errors.New("id out of range")
	ErrNotDue       = errors.New("execution not required")

	// Authorization errors.
	ErrNotResolver = errors.New("not resolver")
	ErrNotOwner    = errors.New("not position owner")

	// Registry errors, surfaced at creation time only.
	ErrPairNotListed     = errors.New("pair not available")
	ErrStrategyNotListed = errors.New("strategy not available")

	// Concurrency errors.
	ErrRoundInProgress = errors.New("round in progress")
	ErrNoOpenRound     = errors.New("no open round")
	ErrResolverBusy    = errors.New("resolver busy")

	// Generic persistence errors.
	ErrNotFound = errors.New("not found")
	ErrLockHeld = errors.New("lock already held")
)
