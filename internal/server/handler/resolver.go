package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
	"github.com/NEONdAPP/neon-core-go/internal/ledger"
	"github.com/NEONdAPP/neon-core-go/internal/resolver"
)

// ResolverService defines the methods that the resolver handler requires.
type ResolverService interface {
	IsExecutionNeeded() bool
	Status() resolver.Status
	StartRound(ctx context.Context, caller common.Address) (resolver.Round, error)
	StartExecution(ctx context.Context, caller common.Address, ids []uint64) error
	ClosureExecution(ctx context.Context, caller common.Address, results []domain.SettlementResult) ([]ledger.SettlementOutcome, error)
	Residual(ctx context.Context, caller common.Address, tokens []common.Address) ([]resolver.ResidualSweep, error)
}

// ResolverHandler serves the settlement-round endpoints used by the resolver
// agent. Every mutating endpoint reads the caller identity from the
// X-Caller-Address header; the orchestrator rejects non-resolver callers.
type ResolverHandler struct {
	svc    ResolverService
	logger *slog.Logger
}

// NewResolverHandler creates a ResolverHandler with the given service and logger.
func NewResolverHandler(svc ResolverService, logger *slog.Logger) *ResolverHandler {
	return &ResolverHandler{
		svc:    svc,
		logger: logger,
	}
}

type resolverStatusResponse struct {
	resolver.Status
	ExecutionNeeded bool `json:"execution_needed"`
}

// GetStatus reports whether a round is open and whether one is needed.
// GET /api/resolver/status
func (h *ResolverHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, resolverStatusResponse{
		Status:          h.svc.Status(),
		ExecutionNeeded: h.svc.IsExecutionNeeded(),
	})
}

// StartRound opens a settlement round and returns the due batch.
// POST /api/resolver/rounds
func (h *ResolverHandler) StartRound(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid "+callerHeader+" header")
		return
	}

	round, err := h.svc.StartRound(r.Context(), caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, round)
}

type startExecutionRequest struct {
	IDs []uint64 `json:"ids"`
}

// StartExecution pulls escrow for the given positions within the open round.
// POST /api/resolver/executions
func (h *ResolverHandler) StartExecution(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid "+callerHeader+" header")
		return
	}

	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids must not be empty")
		return
	}

	if err := h.svc.StartExecution(r.Context(), caller, req.IDs); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"pulled": len(req.IDs)})
}

type closureRequest struct {
	Results []domain.SettlementResult `json:"results"`
}

type closureResponse struct {
	Outcomes []ledger.SettlementOutcome `json:"outcomes"`
}

// Closure settles the open round from the resolver's per-position reports.
// POST /api/resolver/closure
func (h *ResolverHandler) Closure(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid "+callerHeader+" header")
		return
	}

	var req closureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	outcomes, err := h.svc.ClosureExecution(r.Context(), caller, req.Results)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if outcomes == nil {
		outcomes = []ledger.SettlementOutcome{}
	}
	writeJSON(w, http.StatusOK, closureResponse{Outcomes: outcomes})
}

type residualRequest struct {
	Tokens []string `json:"tokens"`
}

type residualResponse struct {
	Sweeps []resolver.ResidualSweep `json:"sweeps"`
}

// Residual sweeps stranded vault holdings of the listed tokens to the
// resolver.
// POST /api/resolver/residual
func (h *ResolverHandler) Residual(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid "+callerHeader+" header")
		return
	}

	var req residualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Tokens) == 0 {
		writeError(w, http.StatusBadRequest, "tokens must not be empty")
		return
	}
	tokens := make([]common.Address, 0, len(req.Tokens))
	for _, raw := range req.Tokens {
		token, ok := parseAddress(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid token address: "+raw)
			return
		}
		tokens = append(tokens, token)
	}

	sweeps, err := h.svc.Residual(r.Context(), caller, tokens)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, residualResponse{Sweeps: sweeps})
}
