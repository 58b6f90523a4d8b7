package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

var ErrInstrumentNotFound = errors.New("instrument not found")

// QueryService provides read-only access to the settlement tables. The
// execution log is written asynchronously, so recent executions may lag.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetInstrument returns the stored configuration columns for id.
func (qs *QueryService) GetInstrument(ctx context.Context, id uuid.UUID) (*InstrumentResponse, error) {
	var (
		r        InstrumentResponse
		notional string
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT instrument_id, strike::TEXT, notional::TEXT, is_linear, is_standard, created_at
		FROM settlement.configs
		WHERE instrument_id = $1
	`, id).Scan(&r.InstrumentID, &r.Strike, &notional, &r.IsLinear, &r.IsStandard, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrInstrumentNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if r.Notional, err = strconv.ParseUint(notional, 10, 64); err != nil {
		return nil, fmt.Errorf("notional: %w", err)
	}
	return &r, nil
}

// ListExecutions returns one page of the execution log for an instrument,
// newest first. Pass the page's NextCursor back as after to fetch the next
// one; executions sharing a timestamp are ordered by execution id so none
// are skipped at a page boundary.
func (qs *QueryService) ListExecutions(
	ctx context.Context,
	instrumentID uuid.UUID,
	limit int,
	after *Cursor,
) (*ExecutionPage, error) {
	query := `
		SELECT execution_id, request_key, old_senior::TEXT, old_junior::TEXT,
		       new_senior::TEXT, new_junior::TEXT, fee_quantity::TEXT,
		       COALESCE(error_kind, ''), executed_at
		FROM settlement.executions
		WHERE instrument_id = $1
	`
	args := []interface{}{instrumentID}
	argIdx := 2

	if after != nil {
		query += fmt.Sprintf(" AND (executed_at, execution_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, after.ExecutedAt, after.ExecutionID)
		argIdx += 2
	}

	query += " ORDER BY executed_at DESC, execution_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ExecutionResponse, 0, limit)
	for rows.Next() {
		var (
			e                    ExecutionResponse
			oldSenior, oldJunior string
			newSenior, newJunior sql.NullString
			fee                  sql.NullString
		)
		e.InstrumentID = instrumentID
		if err := rows.Scan(
			&e.ExecutionID, &e.RequestKey, &oldSenior, &oldJunior,
			&newSenior, &newJunior, &fee, &e.ErrorKind, &e.ExecutedAt,
		); err != nil {
			return nil, err
		}

		if e.OldQuantity, err = quantities(oldSenior, oldJunior); err != nil {
			return nil, err
		}
		if newSenior.Valid && newJunior.Valid {
			nq, err := quantities(newSenior.String, newJunior.String)
			if err != nil {
				return nil, err
			}
			e.NewQuantity = &nq
		}
		if fee.Valid {
			f, err := strconv.ParseUint(fee.String, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("fee_quantity: %w", err)
			}
			e.FeeQuantity = &f
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &ExecutionPage{Executions: out}
	if len(out) > 0 && len(out) == limit {
		last := out[len(out)-1]
		page.NextCursor = Cursor{ExecutedAt: last.ExecutedAt, ExecutionID: last.ExecutionID}.String()
	}
	return page, nil
}

// GetExecutionSummary aggregates the execution log for an instrument.
func (qs *QueryService) GetExecutionSummary(ctx context.Context, instrumentID uuid.UUID) (*ExecutionSummary, error) {
	s := &ExecutionSummary{InstrumentID: instrumentID}
	var last sql.NullTime
	err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(error_kind),
		       COALESCE(SUM(fee_quantity), 0)::TEXT,
		       MAX(executed_at)
		FROM settlement.executions
		WHERE instrument_id = $1
	`, instrumentID).Scan(&s.Executions, &s.Rejections, &s.TotalFee, &last)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		s.LastExecuted = &t
	}
	return s, nil
}

func quantities(senior, junior string) ([2]uint64, error) {
	var q [2]uint64
	var err error
	if q[0], err = strconv.ParseUint(senior, 10, 64); err != nil {
		return q, fmt.Errorf("senior quantity: %w", err)
	}
	if q[1], err = strconv.ParseUint(junior, 10, 64); err != nil {
		return q, fmt.Errorf("junior quantity: %w", err)
	}
	return q, nil
}
