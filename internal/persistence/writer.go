package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ExecutionRow represents a row in settlement.executions. A rejected
// execution has a nil result and a non-empty ErrorKind.
type ExecutionRow struct {
	ExecutionID  uuid.UUID
	InstrumentID uuid.UUID
	RequestKey   string
	Input        []byte // encoded settlement.ExecuteInput
	OldQuantity  [2]uint64
	NewQuantity  *[2]uint64
	FeeQuantity  *uint64
	ErrorKind    string
	ExecutedAt   time.Time
}

// MaxRequestKeyLen bounds request keys in bytes.
const MaxRequestKeyLen = 128

var ErrInvalidRequestKey = errors.New("invalid request key")

// ValidateRequestKey checks that key can be stored in the request_key TEXT
// column: non-empty UTF-8 without NUL bytes, at most MaxRequestKeyLen bytes.
func ValidateRequestKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidRequestKey)
	case len(key) > MaxRequestKeyLen:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidRequestKey, len(key), MaxRequestKeyLen)
	case !utf8.ValidString(key):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidRequestKey)
	case strings.IndexByte(key, 0) >= 0:
		return fmt.Errorf("%w: contains a NUL byte", ErrInvalidRequestKey)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const executionColumns = 11

// WriteExecutionBatch writes rows with a single multi-row INSERT. Replayed
// requests (same instrument and request key) are ignored.
func WriteExecutionBatch(ctx context.Context, db execer, rows []ExecutionRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.executions
		(execution_id, instrument_id, request_key, input, old_senior, old_junior,
		 new_senior, new_junior, fee_quantity, error_kind, executed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*executionColumns)

	for i, r := range rows {
		placeholders := make([]string, executionColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", i*executionColumns+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")

		var newSenior, newJunior, fee, kind interface{}
		if r.NewQuantity != nil {
			newSenior = u64(r.NewQuantity[0])
			newJunior = u64(r.NewQuantity[1])
		}
		if r.FeeQuantity != nil {
			fee = u64(*r.FeeQuantity)
		}
		if r.ErrorKind != "" {
			kind = r.ErrorKind
		}

		args = append(args,
			r.ExecutionID, r.InstrumentID, r.RequestKey, r.Input,
			u64(r.OldQuantity[0]), u64(r.OldQuantity[1]),
			newSenior, newJunior, fee, kind, r.ExecutedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (instrument_id, request_key) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// u64 renders a uint64 for a NUMERIC(20) column; database/sql rejects
// uint64 values with the high bit set.
func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}
