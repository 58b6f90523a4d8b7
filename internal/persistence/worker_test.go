package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// fakeWriter rejects any batch holding a row whose key is in reject, the way
// Postgres refuses a NUL byte in a TEXT column.
type fakeWriter struct {
	reject    map[string]bool
	transient int
	calls     int
	written   []string
}

func (f *fakeWriter) write(_ context.Context, rows []ExecutionRow) error {
	f.calls++
	if f.transient > 0 {
		f.transient--
		return errors.New("connection reset by peer")
	}
	for _, r := range rows {
		if f.reject[r.RequestKey] {
			return fmt.Errorf("write executions: %w", &pq.Error{Code: "22021", Message: "invalid byte sequence for encoding \"UTF8\": 0x00"})
		}
	}
	for _, r := range rows {
		f.written = append(f.written, r.RequestKey)
	}
	return nil
}

func newFakeWorker(f *fakeWriter) *ExecutionWorker {
	w := NewExecutionWorker(nil, nil, 10, 0, nil, zerolog.Nop())
	w.write = f.write
	return w
}

func rowsWithKeys(keys ...string) []ExecutionRow {
	rows := make([]ExecutionRow, len(keys))
	for i, k := range keys {
		rows[i] = ExecutionRow{ExecutionID: uuid.New(), InstrumentID: uuid.New(), RequestKey: k}
	}
	return rows
}

func TestIsPermanentWriteError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&pq.Error{Code: "22021"}, true},
		{fmt.Errorf("wrapped: %w", &pq.Error{Code: "23502"}), true},
		{&pq.Error{Code: "40001"}, false},
		{&pq.Error{Code: "08006"}, false},
		{errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := IsPermanentWriteError(tc.err); got != tc.want {
			t.Errorf("IsPermanentWriteError(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestExecutionWorker_RejectedRowIsSkipped(t *testing.T) {
	f := &fakeWriter{reject: map[string]bool{"a\x00b": true}}
	w := newFakeWorker(f)

	err := w.flushWithRetry(context.Background(), rowsWithKeys("ok-1", "a\x00b", "ok-2"))
	if !IsPermanentWriteError(err) {
		t.Fatalf("expected the rejection to be reported, got %v", err)
	}

	// one batch attempt, then one attempt per row
	if f.calls != 4 {
		t.Errorf("calls: got %d, want 4", f.calls)
	}
	if len(f.written) != 2 || f.written[0] != "ok-1" || f.written[1] != "ok-2" {
		t.Errorf("written: got %q, want [ok-1 ok-2]", f.written)
	}

	// the worker is free for the next batch
	if err := w.flushWithRetry(context.Background(), rowsWithKeys("ok-3")); err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(f.written) != 3 {
		t.Errorf("written after next batch: got %d rows, want 3", len(f.written))
	}
}

func TestExecutionWorker_TransientErrorIsRetried(t *testing.T) {
	f := &fakeWriter{transient: 1}
	w := newFakeWorker(f)

	if err := w.flushWithRetry(context.Background(), rowsWithKeys("k")); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if f.calls != 2 {
		t.Errorf("calls: got %d, want 2", f.calls)
	}
	if len(f.written) != 1 {
		t.Errorf("written: got %d rows, want 1", len(f.written))
	}
}
