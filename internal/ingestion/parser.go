package ingestion

import (
	"encoding/json"
	"fmt"

	fpmath "SettledForward/internal/math"
	"SettledForward/internal/persistence"
	"SettledForward/internal/settlement"

	"github.com/google/uuid"
)

// SettleRequest is a decoded settlement request.
type SettleRequest struct {
	RequestID    string
	InstrumentID uuid.UUID
	Input        settlement.ExecuteInput
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

// settleRequestJSON carries either the binary input (base64 in "input") or
// the fair values as decimal strings. Missing fair-value slots are zero.
type settleRequestJSON struct {
	RequestID     string    `json:"request_id"`
	InstrumentID  string    `json:"instrument_id"`
	Input         []byte    `json:"input,omitempty"`
	OldQuantity   [2]uint64 `json:"old_quantity"`
	OldFairValues []string  `json:"old_fair_values"`
	NewFairValues []string  `json:"new_fair_values"`
}

// ParseSettleRequest decodes a JSON settlement request.
func ParseSettleRequest(data []byte) (*SettleRequest, error) {
	var j settleRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse settle request: %w", err)
	}
	if j.RequestID == "" {
		return nil, fmt.Errorf("parse settle request: request_id is required")
	}
	if err := persistence.ValidateRequestKey(j.RequestID); err != nil {
		return nil, fmt.Errorf("parse settle request: request_id: %w", err)
	}
	return j.decode()
}

// ParseExecuteBody decodes a request body whose instrument is named out of
// band, e.g. by an HTTP path. A missing request_id is generated; an
// instrument_id in the body must match.
func ParseExecuteBody(instrumentID uuid.UUID, data []byte) (*SettleRequest, error) {
	var j settleRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse execute body: %w", err)
	}
	if j.InstrumentID != "" && j.InstrumentID != instrumentID.String() {
		return nil, fmt.Errorf("parse execute body: instrument_id %s does not match %s", j.InstrumentID, instrumentID)
	}
	j.InstrumentID = instrumentID.String()
	if j.RequestID == "" {
		j.RequestID = uuid.NewString()
	}
	if err := persistence.ValidateRequestKey(j.RequestID); err != nil {
		return nil, fmt.Errorf("parse execute body: request_id: %w", err)
	}
	return j.decode()
}

func (j *settleRequestJSON) decode() (*SettleRequest, error) {
	instrumentID, err := uuid.Parse(j.InstrumentID)
	if err != nil {
		return nil, fmt.Errorf("parse instrument_id: %w", err)
	}

	req := &SettleRequest{RequestID: j.RequestID, InstrumentID: instrumentID}

	if len(j.Input) > 0 {
		if err := req.Input.UnmarshalBinary(j.Input); err != nil {
			return nil, fmt.Errorf("parse input: %w", err)
		}
		return req, nil
	}

	req.Input.OldQuantity = j.OldQuantity
	if req.Input.OldFairValues, err = parseFairValues(j.OldFairValues); err != nil {
		return nil, fmt.Errorf("parse old_fair_values: %w", err)
	}
	if req.Input.NewFairValues, err = parseFairValues(j.NewFairValues); err != nil {
		return nil, fmt.Errorf("parse new_fair_values: %w", err)
	}
	return req, nil
}

func parseFairValues(vals []string) (settlement.FairValues, error) {
	var fv settlement.FairValues
	if len(vals) > settlement.FairValueSlots {
		return fv, fmt.Errorf("%d values, at most %d slots", len(vals), settlement.FairValueSlots)
	}
	for i, s := range vals {
		d, err := fpmath.NewFromString(s)
		if err != nil {
			return fv, fmt.Errorf("slot %d: %w", i, err)
		}
		fv[i] = d.Serialize()
	}
	return fv, nil
}

// SettleResult is the outbound JSON message for one request.
type SettleResult struct {
	RequestID    string       `json:"request_id"`
	InstrumentID string       `json:"instrument_id"`
	NewQuantity  *[2]uint64   `json:"new_quantity,omitempty"`
	FeeQuantity  *uint64      `json:"fee_quantity,omitempty"`
	Error        *ResultError `json:"error,omitempty"`
}

// ResultError reports why a settlement was aborted.
type ResultError struct {
	Kind    string `json:"kind"`
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

// NewSettleResult builds the outbound message for a finished request.
func NewSettleResult(req *SettleRequest, res settlement.ExecuteResult, err error) SettleResult {
	out := SettleResult{
		RequestID:    req.RequestID,
		InstrumentID: req.InstrumentID.String(),
	}
	if err != nil {
		kind := settlement.KindOf(err)
		out.Error = &ResultError{Kind: kind.String(), Code: kind.Code(), Message: err.Error()}
		return out
	}
	nq := res.NewQuantity
	fee := res.FeeQuantity
	out.NewQuantity = &nq
	out.FeeQuantity = &fee
	return out
}
