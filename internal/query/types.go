package query

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstrumentResponse describes an initialized instrument.
type InstrumentResponse struct {
	InstrumentID uuid.UUID `json:"instrument_id"`
	Strike       string    `json:"strike"`
	Notional     uint64    `json:"notional"`
	IsLinear     bool      `json:"is_linear"`
	IsStandard   bool      `json:"is_standard"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExecutionResponse is one entry of an instrument's execution log.
type ExecutionResponse struct {
	ExecutionID  uuid.UUID  `json:"execution_id"`
	InstrumentID uuid.UUID  `json:"instrument_id"`
	RequestKey   string     `json:"request_key"`
	OldQuantity  [2]uint64  `json:"old_quantity"`
	NewQuantity  *[2]uint64 `json:"new_quantity,omitempty"`
	FeeQuantity  *uint64    `json:"fee_quantity,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ExecutedAt   time.Time  `json:"executed_at"`
}

// ExecutionSummary aggregates an instrument's execution log.
type ExecutionSummary struct {
	InstrumentID uuid.UUID  `json:"instrument_id"`
	Executions   int64      `json:"executions"`
	Rejections   int64      `json:"rejections"`
	TotalFee     string     `json:"total_fee"` // decimal, may exceed uint64
	LastExecuted *time.Time `json:"last_executed,omitempty"`
}

// ExecutionPage is one page of an execution log. NextCursor is empty on the
// last page.
type ExecutionPage struct {
	Executions []ExecutionResponse `json:"executions"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks a position in an execution log ordered by
// (executed_at, execution_id) descending.
type Cursor struct {
	ExecutedAt  time.Time
	ExecutionID uuid.UUID
}

// String encodes c as an opaque URL-safe token.
func (c Cursor) String() string {
	raw := c.ExecutedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ExecutionID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a token produced by Cursor.String.
func ParseCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: missing separator", ErrInvalidCursor)
	}

	var c Cursor
	if c.ExecutedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.ExecutionID, err = uuid.Parse(id); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return c, nil
}
