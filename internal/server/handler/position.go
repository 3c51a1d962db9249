package handler

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
	"github.com/NEONdAPP/neon-core-go/internal/ledger"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Create(ctx context.Context, params ledger.CreateParams) (uint64, error)
	Close(ctx context.Context, owner, srcToken common.Address, chainID uint64, destToken, strategy common.Address) (domain.Position, error)
	Skip(ctx context.Context, owner, srcToken common.Address, chainID uint64, destToken, strategy common.Address) (time.Time, error)
	Detail(ctx context.Context, id uint64, caller common.Address) (domain.PositionDetail, error)
	ListByOwner(owner common.Address) []domain.Position
	History(owner common.Address) []domain.HistorianEntry
	ArchivedByOwner(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.Position, error)
	CheckAllowance(ctx context.Context, owner, token common.Address, srcAmount *big.Int, reqExecution uint64) (domain.AllowanceCheck, error)
	RequiredAllowance(ctx context.Context, owner, token common.Address) (*big.Int, error)
	CheckAvailability(owner, srcToken common.Address, chainID uint64, destToken, strategy common.Address) bool
	Stats() (total, active uint64)
}

// PositionHandler serves the owner-facing position endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// positionKeyRequest carries the composite key shared by close and skip.
type positionKeyRequest struct {
	Owner     string `json:"owner"`
	SrcToken  string `json:"src_token"`
	ChainID   uint64 `json:"chain_id"`
	DestToken string `json:"dest_token"`
	Strategy  string `json:"strategy"`
}

func (req *positionKeyRequest) parse() (owner, srcToken, destToken, strategy common.Address, ok bool) {
	if owner, ok = parseAddress(req.Owner); !ok {
		return
	}
	if srcToken, ok = parseAddress(req.SrcToken); !ok {
		return
	}
	if destToken, ok = parseAddress(req.DestToken); !ok {
		return
	}
	// Strategy may be omitted; empty means disabled.
	if req.Strategy == "" {
		strategy, ok = common.Address{}, true
		return
	}
	strategy, ok = parseAddress(req.Strategy)
	return
}

type createPositionRequest struct {
	positionKeyRequest
	Receiver     string `json:"receiver"`
	DestDecimals uint8  `json:"dest_decimals"`
	SrcAmount    string `json:"src_amount"`
	Tau          uint64 `json:"tau"`
	ReqExecution uint64 `json:"req_execution"`
	ExecuteNow   bool   `json:"execute_now"`
}

type createPositionResponse struct {
	ID uint64 `json:"id"`
}

// CreatePosition opens a new position.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req createPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	owner, srcToken, destToken, strategy, ok := req.parse()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address in request")
		return
	}
	receiver, ok := parseAddress(req.Receiver)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid receiver address")
		return
	}
	amount, ok := parseBig(req.SrcAmount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid src_amount")
		return
	}

	id, err := h.positions.Create(r.Context(), ledger.CreateParams{
		Owner:        owner,
		Receiver:     receiver,
		SrcToken:     srcToken,
		ChainID:      req.ChainID,
		DestToken:    destToken,
		DestDecimals: req.DestDecimals,
		Strategy:     strategy,
		SrcAmount:    amount,
		Tau:          req.Tau,
		ReqExecution: req.ReqExecution,
		ExecuteNow:   req.ExecuteNow,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: create position rejected",
			slog.String("owner", owner.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createPositionResponse{ID: id})
}

// ClosePosition closes the open position matching the composite key.
// POST /api/positions/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req positionKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	owner, srcToken, destToken, strategy, ok := req.parse()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address in request")
		return
	}

	pos, err := h.positions.Close(r.Context(), owner, srcToken, req.ChainID, destToken, strategy)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

type skipResponse struct {
	NextExecution time.Time `json:"next_execution"`
}

// SkipExecution pushes the matching position's next cycle one interval out.
// POST /api/positions/skip
func (h *PositionHandler) SkipExecution(w http.ResponseWriter, r *http.Request) {
	var req positionKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	owner, srcToken, destToken, strategy, ok := req.parse()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address in request")
		return
	}

	next, err := h.positions.Skip(r.Context(), owner, srcToken, req.ChainID, destToken, strategy)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, skipResponse{NextExecution: next})
}

// GetPosition returns the caller's view of one position, live readiness
// included. The caller must own the position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid "+callerHeader+" header")
		return
	}

	detail, err := h.positions.Detail(r.Context(), id, caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns every recorded position for an owner, open or closed.
// GET /api/positions?owner=0x...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	positions := h.positions.ListByOwner(owner)
	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// ListArchived returns the owner's positions from the durable archive.
// GET /api/positions/archive?owner=0x...&limit=&offset=
func (h *PositionHandler) ListArchived(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	positions, err := h.positions.ArchivedByOwner(r.Context(), owner, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archived positions query failed",
			slog.String("owner", owner.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archived positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

type historyResponse struct {
	Entries []domain.HistorianEntry `json:"entries"`
}

// GetHistory returns the owner's recent closure history.
// GET /api/history?owner=0x...
func (h *PositionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	entries := h.positions.History(owner)
	if entries == nil {
		entries = []domain.HistorianEntry{}
	}

	writeJSON(w, http.StatusOK, historyResponse{Entries: entries})
}

// CheckAllowance reports whether the owner's live authorization covers their
// open positions plus a prospective new one.
// GET /api/allowance/check?owner=0x...&token=0x...&amount=...&req_execution=...
func (h *PositionHandler) CheckAllowance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	owner, ok := parseAddress(q.Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}
	token, ok := parseAddress(q.Get("token"))
	if !ok {
		writeError(w, http.StatusBadRequest, "token query parameter required")
		return
	}
	amount, ok := parseBig(q.Get("amount"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	var reqExecution uint64
	if v := q.Get("req_execution"); v != "" {
		parsed, ok := parseBig(v)
		if !ok || !parsed.IsUint64() {
			writeError(w, http.StatusBadRequest, "invalid req_execution")
			return
		}
		reqExecution = parsed.Uint64()
	}

	check, err := h.positions.CheckAllowance(r.Context(), owner, token, amount, reqExecution)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, check)
}

type requiredAllowanceResponse struct {
	Required *big.Int `json:"required"`
}

// RequiredAllowance returns the total authorization the owner's open
// positions on a token currently demand.
// GET /api/allowance/required?owner=0x...&token=0x...
func (h *PositionHandler) RequiredAllowance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	owner, ok := parseAddress(q.Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}
	token, ok := parseAddress(q.Get("token"))
	if !ok {
		writeError(w, http.StatusBadRequest, "token query parameter required")
		return
	}

	required, err := h.positions.RequiredAllowance(r.Context(), owner, token)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, requiredAllowanceResponse{Required: required})
}

type availabilityResponse struct {
	Available bool `json:"available"`
}

// CheckAvailability reports whether the composite key is free for a new
// position.
// GET /api/availability?owner=...&src_token=...&chain_id=...&dest_token=...&strategy=...
func (h *PositionHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := positionKeyRequest{
		Owner:     q.Get("owner"),
		SrcToken:  q.Get("src_token"),
		DestToken: q.Get("dest_token"),
		Strategy:  q.Get("strategy"),
	}
	if v := q.Get("chain_id"); v != "" {
		parsed, ok := parseBig(v)
		if !ok || !parsed.IsUint64() {
			writeError(w, http.StatusBadRequest, "invalid chain_id")
			return
		}
		req.ChainID = parsed.Uint64()
	}

	owner, srcToken, destToken, strategy, ok := req.parse()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address in request")
		return
	}

	available := h.positions.CheckAvailability(owner, srcToken, req.ChainID, destToken, strategy)
	writeJSON(w, http.StatusOK, availabilityResponse{Available: available})
}

type statsResponse struct {
	TotalPositions  uint64 `json:"total_positions"`
	ActivePositions uint64 `json:"active_positions"`
}

// GetStats returns ledger-wide position counters.
// GET /api/stats
func (h *PositionHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	total, active := h.positions.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		TotalPositions:  total,
		ActivePositions: active,
	})
}
