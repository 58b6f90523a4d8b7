package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"SettledForward/internal/ingestion"
	"SettledForward/internal/query"
	"SettledForward/internal/service"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodyBytes        = 64 << 10
)

// Gateway serves the HTTP/JSON surface on a gRPC-Gateway mux. Decimals are
// carried as strings so no precision is lost in JSON.
type Gateway struct {
	svc     Settlement
	history History
	logger  zerolog.Logger
}

func NewGateway(svc Settlement, history History, logger zerolog.Logger) *Gateway {
	return &Gateway{svc: svc, history: history, logger: logger}
}

// initializeRequestJSON is the body of POST /v1/instruments.
type initializeRequestJSON struct {
	InstrumentID string      `json:"instrument_id,omitempty"`
	Strike       json.Number `json:"strike"`
	Notional     json.Number `json:"notional"`
	IsLinear     bool        `json:"is_linear"`
	IsStandard   bool        `json:"is_standard"`
}

type instrumentJSON struct {
	InstrumentID string `json:"instrument_id"`
	Strike       string `json:"strike"`
	Notional     uint64 `json:"notional"`
	IsLinear     bool   `json:"is_linear"`
	IsStandard   bool   `json:"is_standard"`
}

type errorJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServeMux builds the gateway routes.
func (g *Gateway) ServeMux() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/instruments", g.initialize},
		{"GET", "/v1/instruments/{instrument_id}", g.getInstrument},
		{"POST", "/v1/instruments/{instrument_id}/execute", g.execute},
		{"GET", "/v1/instruments/{instrument_id}/executions", g.listExecutions},
		{"GET", "/v1/instruments/{instrument_id}/summary", g.summary},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("%s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

func (g *Gateway) initialize(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req initializeRequestJSON
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		g.fail(w, codes.InvalidArgument, fmt.Errorf("decode body: %w", err))
		return
	}

	var p service.InitParams
	var err error
	if req.InstrumentID != "" {
		if p.InstrumentID, err = uuid.Parse(req.InstrumentID); err != nil {
			g.fail(w, codes.InvalidArgument, fmt.Errorf("invalid instrument_id: %w", err))
			return
		}
	}
	if p.Strike, err = req.Strike.Float64(); err != nil {
		g.fail(w, codes.InvalidArgument, fmt.Errorf("invalid strike: %w", err))
		return
	}
	if p.Notional, err = strconv.ParseUint(req.Notional.String(), 10, 64); err != nil {
		g.fail(w, codes.InvalidArgument, fmt.Errorf("invalid notional: %w", err))
		return
	}
	p.IsLinear = req.IsLinear
	p.IsStandard = req.IsStandard

	id, cfg, err := g.svc.Initialize(r.Context(), p)
	if err != nil {
		g.fail(w, statusCode(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, instrumentJSON{
		InstrumentID: id.String(),
		Strike:       cfg.Strike.String(),
		Notional:     cfg.Notional,
		IsLinear:     cfg.IsLinear,
		IsStandard:   cfg.IsStandard,
	})
}

func (g *Gateway) getInstrument(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := g.instrumentID(w, params)
	if !ok {
		return
	}

	if g.history != nil {
		inst, err := g.history.GetInstrument(r.Context(), id)
		if err != nil {
			g.fail(w, statusCode(err), err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
		return
	}

	cfg, err := g.svc.Config(r.Context(), id)
	if err != nil {
		g.fail(w, statusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, instrumentJSON{
		InstrumentID: id.String(),
		Strike:       cfg.Strike.String(),
		Notional:     cfg.Notional,
		IsLinear:     cfg.IsLinear,
		IsStandard:   cfg.IsStandard,
	})
}

// execute accepts the same body as a bus request, minus the instrument id.
func (g *Gateway) execute(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := g.instrumentID(w, params)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.fail(w, codes.InvalidArgument, fmt.Errorf("read body: %w", err))
		return
	}
	req, err := ingestion.ParseExecuteBody(id, body)
	if err != nil {
		g.fail(w, codes.InvalidArgument, err)
		return
	}

	res, err := g.svc.Execute(r.Context(), id, req.RequestID, req.Input)
	if err != nil {
		code := statusCode(err)
		if code == codes.Internal || code == codes.NotFound {
			g.fail(w, code, err)
			return
		}
		writeJSON(w, runtime.HTTPStatusFromCode(code), ingestion.NewSettleResult(req, res, err))
		return
	}
	writeJSON(w, http.StatusOK, ingestion.NewSettleResult(req, res, nil))
}

func (g *Gateway) listExecutions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if g.history == nil {
		g.fail(w, codes.Unavailable, fmt.Errorf("execution history is not configured"))
		return
	}
	id, ok := g.instrumentID(w, params)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			g.fail(w, codes.InvalidArgument, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var after *query.Cursor
	if s := r.URL.Query().Get("cursor"); s != "" {
		c, err := query.ParseCursor(s)
		if err != nil {
			g.fail(w, codes.InvalidArgument, err)
			return
		}
		after = &c
	}

	page, err := g.history.ListExecutions(r.Context(), id, limit, after)
	if err != nil {
		g.fail(w, statusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (g *Gateway) summary(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if g.history == nil {
		g.fail(w, codes.Unavailable, fmt.Errorf("execution history is not configured"))
		return
	}
	id, ok := g.instrumentID(w, params)
	if !ok {
		return
	}

	s, err := g.history.GetExecutionSummary(r.Context(), id)
	if err != nil {
		g.fail(w, statusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (g *Gateway) instrumentID(w http.ResponseWriter, params map[string]string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params["instrument_id"])
	if err != nil {
		g.fail(w, codes.InvalidArgument, fmt.Errorf("invalid instrument_id: %w", err))
		return uuid.Nil, false
	}
	return id, true
}

func (g *Gateway) fail(w http.ResponseWriter, code codes.Code, err error) {
	if code == codes.Internal {
		g.logger.Error().Err(err).Msg("gateway request failed")
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorJSON{Code: code.String(), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
