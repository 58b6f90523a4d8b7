package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	fpmath "SettledForward/internal/math"
	"SettledForward/internal/persistence"
	"SettledForward/internal/query"
	"SettledForward/internal/service"
	"SettledForward/internal/settlement"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type memStore struct {
	mu   sync.Mutex
	cfgs map[uuid.UUID]settlement.Config
}

func (m *memStore) Create(_ context.Context, id uuid.UUID, cfg settlement.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cfgs[id]; ok {
		return fmt.Errorf("%w: %s", persistence.ErrConfigExists, id)
	}
	m.cfgs[id] = cfg
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (settlement.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.cfgs[id]
	if !ok {
		return settlement.Config{}, fmt.Errorf("%w: %s", persistence.ErrConfigNotFound, id)
	}
	return cfg, nil
}

func newTestService() *service.SettlementService {
	store := &memStore{cfgs: make(map[uuid.UUID]settlement.Config)}
	return service.NewSettlementService(store, nil, nil, zerolog.Nop())
}

func inverseInput() settlement.ExecuteInput {
	return settlement.ExecuteInput{
		OldQuantity:   [2]uint64{100_000, 100_000},
		OldFairValues: settlement.NewFairValues(fpmath.OneHundred, fpmath.One),
		NewFairValues: settlement.NewFairValues(fpmath.MustFromString("120"), fpmath.One),
	}
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func newGatewayServer(t *testing.T, svc Settlement) *httptest.Server {
	t.Helper()
	mux, err := NewGateway(svc, nil, zerolog.Nop()).ServeMux()
	if err != nil {
		t.Fatalf("build mux: %v", err)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestGateway_InitializeAndExecute(t *testing.T) {
	srv := newGatewayServer(t, newTestService())

	resp, inst := postJSON(t, srv.URL+"/v1/instruments",
		`{"strike": 100, "notional": 1000, "is_linear": false, "is_standard": true}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("initialize status: got %d, body %v", resp.StatusCode, inst)
	}
	id, _ := inst["instrument_id"].(string)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("instrument_id %q: %v", id, err)
	}
	if inst["strike"] != "100" {
		t.Errorf("strike: got %v, want \"100\"", inst["strike"])
	}

	resp, res := postJSON(t, srv.URL+"/v1/instruments/"+id+"/execute",
		`{"request_id": "r1", "old_quantity": [100000, 100000], "new_fair_values": ["120", "1"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status: got %d, body %v", resp.StatusCode, res)
	}
	nq, _ := res["new_quantity"].([]interface{})
	if len(nq) != 2 || nq[0] != float64(100_166) || nq[1] != float64(99_833) {
		t.Errorf("new_quantity: got %v, want [100166 99833]", res["new_quantity"])
	}
	if res["fee_quantity"] != float64(1) {
		t.Errorf("fee_quantity: got %v, want 1", res["fee_quantity"])
	}
}

func TestGateway_ExecuteRejected(t *testing.T) {
	svc := newTestService()
	id, _, err := svc.Initialize(context.Background(), service.InitParams{Strike: 100, Notional: 1_000, IsLinear: true, IsStandard: true})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	srv := newGatewayServer(t, svc)

	resp, res := postJSON(t, srv.URL+"/v1/instruments/"+id.String()+"/execute",
		`{"old_quantity": [1, 1], "new_fair_values": ["-5", "1"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", resp.StatusCode)
	}
	e, _ := res["error"].(map[string]interface{})
	if e["kind"] != "InvalidInput" || e["code"] != float64(6001) {
		t.Errorf("error: got %v", res["error"])
	}
}

func TestGateway_Errors(t *testing.T) {
	srv := newGatewayServer(t, newTestService())

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"negative strike", "/v1/instruments", `{"strike": -1, "notional": 1}`, http.StatusBadRequest},
		{"bad notional", "/v1/instruments", `{"strike": 1, "notional": -1}`, http.StatusBadRequest},
		{"bad id", "/v1/instruments/nope/execute", `{}`, http.StatusBadRequest},
		{"nul in request id", "/v1/instruments/" + uuid.NewString() + "/execute", `{"request_id": "a\u0000b"}`, http.StatusBadRequest},
		{"unknown instrument", "/v1/instruments/" + uuid.NewString() + "/execute", `{}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, body := postJSON(t, srv.URL+tc.path, tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status got %d, want %d (%v)", tc.name, resp.StatusCode, tc.want, body)
		}
	}

	resp, err := http.Get(srv.URL + "/v1/instruments/" + uuid.NewString() + "/executions")
	if err != nil {
		t.Fatalf("GET executions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("history without a database: got %d, want 503", resp.StatusCode)
	}
}

type fakeHistory struct {
	after *query.Cursor
	limit int
}

func (f *fakeHistory) GetInstrument(_ context.Context, id uuid.UUID) (*query.InstrumentResponse, error) {
	return &query.InstrumentResponse{InstrumentID: id}, nil
}

func (f *fakeHistory) ListExecutions(_ context.Context, _ uuid.UUID, limit int, after *query.Cursor) (*query.ExecutionPage, error) {
	f.limit, f.after = limit, after
	return &query.ExecutionPage{Executions: []query.ExecutionResponse{}, NextCursor: "next"}, nil
}

func (f *fakeHistory) GetExecutionSummary(_ context.Context, id uuid.UUID) (*query.ExecutionSummary, error) {
	return &query.ExecutionSummary{InstrumentID: id, TotalFee: "0"}, nil
}

func TestGateway_ExecutionsCursor(t *testing.T) {
	hist := &fakeHistory{}
	mux, err := NewGateway(newTestService(), hist, zerolog.Nop()).ServeMux()
	if err != nil {
		t.Fatalf("build mux: %v", err)
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base := srv.URL + "/v1/instruments/" + uuid.NewString() + "/executions"

	resp, err := http.Get(base + "?cursor=garbage")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad cursor: got %d, want 400", resp.StatusCode)
	}

	c := query.Cursor{ExecutedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), ExecutionID: uuid.New()}
	resp, err = http.Get(base + "?limit=2&cursor=" + c.String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var page map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || page["next_cursor"] != "next" {
		t.Errorf("page: got %d %v", resp.StatusCode, page)
	}
	if hist.limit != 2 || hist.after == nil || hist.after.ExecutionID != c.ExecutionID {
		t.Errorf("history called with limit=%d after=%+v", hist.limit, hist.after)
	}
}

func TestGateway_InitializeConflict(t *testing.T) {
	srv := newGatewayServer(t, newTestService())
	body := `{"instrument_id": "550e8400-e29b-41d4-a716-446655440000", "strike": 1, "notional": 1}`

	if resp, _ := postJSON(t, srv.URL+"/v1/instruments", body); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first initialize: got %d", resp.StatusCode)
	}
	if resp, _ := postJSON(t, srv.URL+"/v1/instruments", body); resp.StatusCode != http.StatusConflict {
		t.Errorf("second initialize: got %d, want 409", resp.StatusCode)
	}
}

// ============================================================================
// Test: gRPC service over an in-memory listener
// ============================================================================

func newGRPCClient(t *testing.T, svc Settlement) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	s.RegisterService(&ServiceDesc, &settlementServiceImpl{svc: svc})
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGRPC_RoundTrip(t *testing.T) {
	client := newGRPCClient(t, newTestService())
	ctx := context.Background()

	id, err := client.Initialize(ctx, service.InitParams{Strike: 100, Notional: 1_000, IsStandard: true})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	cfg, err := client.GetConfig(ctx, id)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if !cfg.Strike.Equal(fpmath.OneHundred) || cfg.Notional != 1_000 || cfg.IsLinear || !cfg.IsStandard {
		t.Errorf("config: got %+v", cfg)
	}

	res, err := client.Execute(ctx, id, "req-1", inverseInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := settlement.ExecuteResult{NewQuantity: [2]uint64{100_166, 99_833}, FeeQuantity: 1}
	if res != want {
		t.Errorf("result: got %+v, want %+v", res, want)
	}
}

func TestGRPC_StatusCodes(t *testing.T) {
	client := newGRPCClient(t, newTestService())
	ctx := context.Background()

	_, err := client.Execute(ctx, uuid.New(), "", inverseInput())
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown instrument: got %v, want NotFound", status.Code(err))
	}

	id0, err := client.Initialize(ctx, service.InitParams{Strike: 1, Notional: 1, IsLinear: true, IsStandard: true})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	_, err = client.Execute(ctx, id0, strings.Repeat("k", persistence.MaxRequestKeyLen+1), inverseInput())
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("oversized request key: got %v, want InvalidArgument", status.Code(err))
	}

	_, err = client.Initialize(ctx, service.InitParams{Strike: -1, Notional: 1})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("negative strike: got %v, want InvalidArgument", status.Code(err))
	}

	id, err := client.Initialize(ctx, service.InitParams{Strike: 100, Notional: ^uint64(0), IsLinear: true, IsStandard: true})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	in := inverseInput()
	in.NewFairValues = settlement.NewFairValues(fpmath.MustFromString("1e20"), fpmath.One)
	_, err = client.Execute(ctx, id, "", in)
	if status.Code(err) != codes.OutOfRange {
		t.Errorf("payoff overflow: got %v, want OutOfRange", status.Code(err))
	}
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("x: %w", persistence.ErrConfigNotFound), codes.NotFound},
		{fmt.Errorf("x: %w", persistence.ErrConfigExists), codes.AlreadyExists},
		{fmt.Errorf("x: %w", persistence.ErrInvalidRequestKey), codes.InvalidArgument},
		{&settlement.Error{Kind: settlement.InvalidInput, Op: "validate"}, codes.InvalidArgument},
		{&settlement.Error{Kind: settlement.MathError, Op: "payoff"}, codes.OutOfRange},
		{&settlement.Error{Kind: settlement.GenericError, Op: "x"}, codes.Internal},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
	}
	for _, tc := range cases {
		if got := statusCode(tc.err); got != tc.want {
			t.Errorf("statusCode(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}
