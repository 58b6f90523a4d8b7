package ingestion

import (
	"context"
	"encoding/json"
	"errors"

	"SettledForward/internal/observability"
	"SettledForward/internal/persistence"
	"SettledForward/internal/service"
	"SettledForward/internal/settlement"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Settler runs one settlement for an instrument.
type Settler interface {
	Execute(ctx context.Context, id uuid.UUID, requestKey string, in settlement.ExecuteInput) (settlement.ExecuteResult, error)
}

// Disposition tells the transport what to do with the delivered message.
type Disposition int

const (
	// Ack: the request reached a final outcome (success or classified failure).
	Ack Disposition = iota
	// Nak: a transient failure; redeliver later.
	Nak
	// Term: the message can never be processed.
	Term
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	default:
		return "term"
	}
}

// Processor turns raw request payloads into settlement results. It holds no
// transport state so it can be driven by JetStream, core NATS request/reply,
// or tests.
type Processor struct {
	settler   Settler
	transport string
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProcessor(settler Settler, transport string, metrics *observability.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{settler: settler, transport: transport, metrics: metrics, logger: logger}
}

// Process decodes and settles one request. A nil result means there is
// nothing to publish.
func (p *Processor) Process(ctx context.Context, data []byte) (*SettleResult, Disposition) {
	o := p.run(ctx, data)
	return o.result, o.disp
}

// Reply settles one synchronous request and always produces an answer. When
// nothing was settled the answer echoes whatever ids could be read and says
// whether the caller may retry.
func (p *Processor) Reply(ctx context.Context, data []byte) SettleResult {
	o := p.run(ctx, data)
	if o.result != nil {
		return *o.result
	}

	var out SettleResult
	if o.req != nil {
		out.RequestID = o.req.RequestID
		out.InstrumentID = o.req.InstrumentID.String()
	} else {
		out.RequestID, out.InstrumentID = peekIDs(data)
	}

	msg := "undecodable request: " + o.err.Error()
	if o.disp == Nak {
		msg = "transient failure, retry later: " + o.err.Error()
	}
	out.Error = &ResultError{Kind: settlement.GenericError.String(), Code: settlement.GenericError.Code(), Message: msg}
	return out
}

type outcome struct {
	req    *SettleRequest
	result *SettleResult
	disp   Disposition
	err    error
}

func (p *Processor) run(ctx context.Context, data []byte) outcome {
	if p.metrics != nil {
		p.metrics.RequestsReceived.WithLabelValues(p.transport).Inc()
	}

	req, err := ParseSettleRequest(data)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ParseErrors.WithLabelValues(p.transport).Inc()
		}
		p.logger.Warn().Err(err).Str("transport", p.transport).Msg("dropping undecodable settle request")
		return outcome{disp: Term, err: err}
	}

	res, err := p.settler.Execute(ctx, req.InstrumentID, req.RequestID, req.Input)
	if err != nil && !isFinal(err) {
		p.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("settle request will be redelivered")
		return outcome{req: req, disp: Nak, err: err}
	}

	out := NewSettleResult(req, res, err)
	return outcome{req: req, result: &out, disp: Ack}
}

// peekIDs reads the ids of a request that failed to decode, keeping only
// values that are well formed.
func peekIDs(data []byte) (requestID, instrumentID string) {
	var ids struct {
		RequestID    string `json:"request_id"`
		InstrumentID string `json:"instrument_id"`
	}
	if json.Unmarshal(data, &ids) != nil {
		return "", ""
	}
	if persistence.ValidateRequestKey(ids.RequestID) == nil {
		requestID = ids.RequestID
	}
	if id, err := uuid.Parse(ids.InstrumentID); err == nil {
		instrumentID = id.String()
	}
	return requestID, instrumentID
}

// isFinal reports whether err is an outcome rather than an outage: a
// classified core failure or an unknown instrument.
func isFinal(err error) bool {
	var se *settlement.Error
	return errors.As(err, &se) || service.IsNotFound(err)
}
