package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionKey is the composite identity of an open position. At most one open
// position may exist per key; the key is freed when the position closes.
type PositionKey struct {
	Owner     common.Address
	SrcToken  common.Address
	ChainID   uint64
	DestToken common.Address
	Strategy  common.Address
}

// CloseReason records why a position left the active set.
type CloseReason string

const (
	CloseReasonUser      CloseReason = "user"
	CloseReasonCompleted CloseReason = "completed"
	CloseReasonStruck    CloseReason = "struck_out"
)

// Position is one recurring buy-order: a fixed srcAmount of SrcToken is
// converted into DestToken every Tau time-base units until ReqExecution
// successful cycles complete (0 = unlimited). A closed position keeps its
// identity fields for history but has Receiver reset to the zero address.
type Position struct {
	ID           uint64
	Owner        common.Address
	Receiver     common.Address
	SrcToken     common.Address
	ChainID      uint64
	DestToken    common.Address
	DestDecimals uint8
	Strategy     common.Address // zero address = strategy disabled

	SrcAmount     *big.Int
	Tau           uint64
	NextExecution time.Time
	ReqExecution  uint64

	PerfExecution   uint64
	Strike          uint64
	LastResultCode  ResultCode
	AveragePrice    *big.Int
	PriceSum        *big.Int // cumulative successful prices; AveragePrice = PriceSum / PerfExecution
	DestTokenEarned *big.Int

	// FundsPulled marks that the current due cycle's escrow has been pulled
	// and not yet settled. It gates a second pull within the same cycle.
	FundsPulled bool

	CreatedAt time.Time
}

// Key returns the composite key of the position.
func (p *Position) Key() PositionKey {
	return PositionKey{
		Owner:     p.Owner,
		SrcToken:  p.SrcToken,
		ChainID:   p.ChainID,
		DestToken: p.DestToken,
		Strategy:  p.Strategy,
	}
}

// Open reports whether the position is still active. Closure is signalled by
// zeroing the receiver; the record itself is never removed.
func (p *Position) Open() bool {
	return p.Receiver != (common.Address{})
}

// StrategyEnabled reports whether proceeds are forwarded to a yield strategy.
func (p *Position) StrategyEnabled() bool {
	return p.Strategy != (common.Address{})
}

// Clone returns a deep copy so callers cannot mutate ledger state through a
// returned snapshot.
func (p *Position) Clone() Position {
	out := *p
	out.SrcAmount = cloneBig(p.SrcAmount)
	out.AveragePrice = cloneBig(p.AveragePrice)
	out.PriceSum = cloneBig(p.PriceSum)
	out.DestTokenEarned = cloneBig(p.DestTokenEarned)
	return out
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// Readiness is the per-position execution predicate triple returned to the
// resolver before a settlement round.
type Readiness struct {
	Due         bool `json:"due"`
	AllowanceOK bool `json:"allowance_ok"`
	BalanceOK   bool `json:"balance_ok"`
}

// AllowanceCheck is the oracle's recommendation for a prospective position.
// Exactly one of the three cases applies:
//   - AllowanceOK: live authorization already covers existing + candidate.
//   - NeedsIncrease: live equals the existing requirement; add the candidate
//     requirement incrementally.
//   - neither: authorization was partially revoked; approve AmountToAdd as a
//     fresh absolute value (existing + candidate).
type AllowanceCheck struct {
	AllowanceOK        bool     `json:"allowance_ok"`
	NeedsIncrease      bool     `json:"needs_increase"`
	AmountToAdd        *big.Int `json:"amount_to_add"`
	CurrentRequirement *big.Int `json:"current_requirement"`
}

// PositionDetail is the owner-facing view of a position, including the live
// funding readiness of the next cycle.
type PositionDetail struct {
	Position
	AllowanceOK bool `json:"allowance_ok"`
	BalanceOK   bool `json:"balance_ok"`
}

// PositionData is the resolver-facing view: everything needed to perform the
// external swap leg, including the source token's on-chain decimals.
type PositionData struct {
	ID           uint64         `json:"id"`
	Owner        common.Address `json:"owner"`
	Receiver     common.Address `json:"receiver"`
	SrcToken     common.Address `json:"src_token"`
	SrcDecimals  uint8          `json:"src_decimals"`
	ChainID      uint64         `json:"chain_id"`
	DestToken    common.Address `json:"dest_token"`
	DestDecimals uint8          `json:"dest_decimals"`
	Strategy     common.Address `json:"strategy"`
	SrcAmount    *big.Int       `json:"src_amount"`
}

// SettlementResult is one entry of a closureExecution batch: the resolver's
// report for a single position's cycle.
type SettlementResult struct {
	ID       uint64     `json:"id"`
	Proceeds *big.Int   `json:"proceeds"`
	Code     ResultCode `json:"code"`
	Price    *big.Int   `json:"price"`
}
