package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func readiness(t *testing.T, h *HealthChecker) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealth_Readiness(t *testing.T) {
	h := NewHealthChecker()

	if code, body := readiness(t, h); code != http.StatusServiceUnavailable || body["status"] != "not_ready" {
		t.Errorf("before ready: got %d %v", code, body)
	}

	h.SetReady(true)
	if code, body := readiness(t, h); code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("ready: got %d %v", code, body)
	}

	h.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	code, body := readiness(t, h)
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("failing check: got %d %v", code, body)
	}
	failed, _ := body["failed"].(map[string]interface{})
	if failed["postgres"] != "connection refused" {
		t.Errorf("failed checks: got %v", body["failed"])
	}
}

func TestHealth_Liveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness: got %d, want 200", rec.Code)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"":        zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestLogger_ComponentAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "settlement", zerolog.WarnLevel)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "settlement" || line["message"] != "shown" {
		t.Errorf("log line: got %v", line)
	}
}

func TestMetrics_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.SettlementsExecuted.WithLabelValues("inverse", "standard").Inc()
	m.SettlementsRejected.WithLabelValues("MathError").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] += m.GetCounter().GetValue()
		}
	}
	if values["fwd_settlements_executed_total"] != 1 {
		t.Errorf("executed: got %v, want 1", values["fwd_settlements_executed_total"])
	}
	if values["fwd_settlements_rejected_total"] != 1 {
		t.Errorf("rejected: got %v, want 1", values["fwd_settlements_rejected_total"])
	}

	// a second set on the same registry must collide
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	NewMetricsWith(reg)
}
