package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// HistorianEntry is the immutable snapshot written when a position closes.
type HistorianEntry struct {
	PositionID uint64         `json:"position_id"`
	SrcToken   common.Address `json:"src_token"`
	ChainID    uint64         `json:"chain_id"`
	DestToken  common.Address `json:"dest_token"`
	Strategy   common.Address `json:"strategy"`
	Reason     CloseReason    `json:"reason"`
	ClosedAt   time.Time      `json:"closed_at"`
}
