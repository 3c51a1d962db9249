package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

// PositionArchive implements domain.PositionArchive using PostgreSQL. Amount
// fields travel as NUMERIC(78,0) strings so full uint256-scale values survive
// the round trip.
type PositionArchive struct {
	pool *pgxpool.Pool
}

// NewPositionArchive creates a new PositionArchive backed by the given
// connection pool.
func NewPositionArchive(pool *pgxpool.Pool) *PositionArchive {
	return &PositionArchive{pool: pool}
}

const positionSelectCols = `id, owner_address, receiver, src_token, chain_id,
	dest_token, dest_decimals, strategy, src_amount, tau, next_execution,
	req_execution, perf_execution, strike, last_result_code,
	average_price, price_sum, dest_token_earned, created_at`

// Upsert mirrors the ledger's current snapshot of a position. closed_at is
// stamped on the first upsert that sees the position closed.
func (s *PositionArchive) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner_address, receiver, src_token, chain_id,
			dest_token, dest_decimals, strategy, src_amount, tau,
			next_execution, req_execution, perf_execution, strike,
			last_result_code, average_price, price_sum, dest_token_earned,
			is_open, created_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, CASE WHEN $19 THEN NULL ELSE NOW() END, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			receiver          = EXCLUDED.receiver,
			next_execution    = EXCLUDED.next_execution,
			perf_execution    = EXCLUDED.perf_execution,
			strike            = EXCLUDED.strike,
			last_result_code  = EXCLUDED.last_result_code,
			average_price     = EXCLUDED.average_price,
			price_sum         = EXCLUDED.price_sum,
			dest_token_earned = EXCLUDED.dest_token_earned,
			is_open           = EXCLUDED.is_open,
			closed_at         = CASE WHEN EXCLUDED.is_open THEN NULL
			                         ELSE COALESCE(positions.closed_at, NOW()) END,
			updated_at        = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(p.ID), p.Owner.Hex(), p.Receiver.Hex(), p.SrcToken.Hex(), int64(p.ChainID),
		p.DestToken.Hex(), int16(p.DestDecimals), p.Strategy.Hex(), numericArg(p.SrcAmount), int64(p.Tau),
		p.NextExecution, int64(p.ReqExecution), int64(p.PerfExecution), int64(p.Strike),
		int32(p.LastResultCode), numericArg(p.AveragePrice), numericArg(p.PriceSum), numericArg(p.DestTokenEarned),
		p.Open(), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %d: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single archived position by its ledger id.
func (s *PositionArchive) GetByID(ctx context.Context, id uint64) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, int64(id))

	p, err := scanPosition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// ListByOwner returns the owner's archived positions, newest first, with
// pagination and optional creation-time filtering.
func (s *PositionArchive) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE owner_address = $1`
	args := []any{common.HexToAddress(owner).Hex()}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by owner: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// ListClosedBefore returns closed positions whose closure predates the
// cutoff, oldest first, for archival export.
func (s *PositionArchive) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		 WHERE is_open = FALSE AND closed_at < $1
		 ORDER BY closed_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return positions, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                                   domain.Position
		id, chainID, tau, req, perf, strike int64
		owner, receiver, src, dest, strat   string
		destDecimals                        int16
		lastCode                            int32
		srcAmount, avgPrice, priceSum, earned string
	)

	err := row.Scan(
		&id, &owner, &receiver, &src, &chainID,
		&dest, &destDecimals, &strat, &srcAmount, &tau, &p.NextExecution,
		&req, &perf, &strike, &lastCode,
		&avgPrice, &priceSum, &earned, &p.CreatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.ID = uint64(id)
	p.Owner = common.HexToAddress(owner)
	p.Receiver = common.HexToAddress(receiver)
	p.SrcToken = common.HexToAddress(src)
	p.ChainID = uint64(chainID)
	p.DestToken = common.HexToAddress(dest)
	p.DestDecimals = uint8(destDecimals)
	p.Strategy = common.HexToAddress(strat)
	p.Tau = uint64(tau)
	p.ReqExecution = uint64(req)
	p.PerfExecution = uint64(perf)
	p.Strike = uint64(strike)
	p.LastResultCode = domain.ResultCode(lastCode)

	if p.SrcAmount, err = parseNumeric(srcAmount); err != nil {
		return domain.Position{}, err
	}
	if p.AveragePrice, err = parseNumeric(avgPrice); err != nil {
		return domain.Position{}, err
	}
	if p.PriceSum, err = parseNumeric(priceSum); err != nil {
		return domain.Position{}, err
	}
	if p.DestTokenEarned, err = parseNumeric(earned); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func numericArg(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric %q", s)
	}
	return v, nil
}

// Compile-time interface check.
var _ domain.PositionArchive = (*PositionArchive)(nil)
