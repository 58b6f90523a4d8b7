package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	fpmath "SettledForward/internal/math"
	"SettledForward/internal/persistence"
	"SettledForward/internal/query"
	"SettledForward/internal/settlement"
	"SettledForward/internal/testutil"
	"SettledForward/migrations"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestConfigStore_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := persistence.NewPostgresConfigStore(db)
	id := uuid.New()

	cfg, err := settlement.NewConfig(100.25, ^uint64(0), false, true)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	if err := store.Create(ctx, id, cfg); err != nil {
		t.Fatalf("create: %v", err)
	}

	other, _ := settlement.NewConfig(1, 1, true, false)
	if err := store.Create(ctx, id, other); !errors.Is(err, persistence.ErrConfigExists) {
		t.Fatalf("second create: got %v, want ErrConfigExists", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != cfg {
		t.Errorf("config changed: got %+v, want %+v", got, cfg)
	}

	if _, err := store.Get(ctx, uuid.New()); !errors.Is(err, persistence.ErrConfigNotFound) {
		t.Errorf("unknown id: got %v, want ErrConfigNotFound", err)
	}
}

func TestExecutionWorker_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	id := uuid.New()
	cfg, _ := settlement.NewConfig(100, 1_000, false, true)
	if err := persistence.NewPostgresConfigStore(db).Create(ctx, id, cfg); err != nil {
		t.Fatalf("create: %v", err)
	}

	in := settlement.ExecuteInput{
		OldQuantity:   [2]uint64{100_000, 100_000},
		NewFairValues: settlement.NewFairValues(fpmath.MustFromString("120"), fpmath.One),
	}
	raw, _ := in.MarshalBinary()
	nq := [2]uint64{100_166, 99_833}
	fee := uint64(1)

	rows := make(chan persistence.ExecutionRow, 4)
	at := time.Now().UTC().Truncate(time.Microsecond)
	for _, key := range []string{"a", "a", "b"} {
		rows <- persistence.ExecutionRow{
			ExecutionID:  uuid.New(),
			InstrumentID: id,
			RequestKey:   key,
			Input:        raw,
			OldQuantity:  in.OldQuantity,
			NewQuantity:  &nq,
			FeeQuantity:  &fee,
			ExecutedAt:   at,
		}
	}
	close(rows)

	w := persistence.NewExecutionWorker(db, rows, 2, 50*time.Millisecond, nil, zerolog.Nop())
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	qs := query.NewQueryService(db)
	page, err := qs.ListExecutions(ctx, id, 10, nil)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	entries := page.Executions
	if page.NextCursor != "" {
		t.Errorf("short page should have no cursor, got %q", page.NextCursor)
	}
	if len(entries) != 2 {
		t.Fatalf("replayed request key should be stored once, got %d rows", len(entries))
	}
	if entries[0].NewQuantity == nil || *entries[0].NewQuantity != nq {
		t.Errorf("new quantity: got %v", entries[0].NewQuantity)
	}

	summary, err := qs.GetExecutionSummary(ctx, id)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Executions != 2 || summary.Rejections != 0 || summary.TotalFee != "2" {
		t.Errorf("summary: got %+v", summary)
	}

	inst, err := qs.GetInstrument(ctx, id)
	if err != nil {
		t.Fatalf("get instrument: %v", err)
	}
	if inst.Strike != "100" || inst.Notional != 1_000 {
		t.Errorf("instrument: got %+v", inst)
	}
}

func TestQueryService_PagesThroughSharedTimestamps_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := persistence.NewPostgresConfigStore(db)
	id := uuid.New()
	cfg, _ := settlement.NewConfig(1, 1, true, true)
	if err := store.Create(ctx, id, cfg); err != nil {
		t.Fatalf("create: %v", err)
	}

	// five executions in the same microsecond
	at := time.Now().UTC().Truncate(time.Microsecond)
	var batch []persistence.ExecutionRow
	for i := 0; i < 5; i++ {
		batch = append(batch, persistence.ExecutionRow{
			ExecutionID:  uuid.New(),
			InstrumentID: id,
			RequestKey:   fmt.Sprintf("k%d", i),
			Input:        []byte{0},
			ExecutedAt:   at,
			ErrorKind:    "InvalidInput",
		})
	}
	if err := persistence.WriteExecutionBatch(ctx, db, batch); err != nil {
		t.Fatalf("write: %v", err)
	}

	qs := query.NewQueryService(db)
	seen := make(map[uuid.UUID]bool)
	var after *query.Cursor
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("paging did not terminate")
		}
		page, err := qs.ListExecutions(ctx, id, 2, after)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, e := range page.Executions {
			if seen[e.ExecutionID] {
				t.Errorf("execution %s returned twice", e.ExecutionID)
			}
			seen[e.ExecutionID] = true
		}
		if page.NextCursor == "" {
			break
		}
		c, err := query.ParseCursor(page.NextCursor)
		if err != nil {
			t.Fatalf("parse cursor: %v", err)
		}
		after = &c
	}
	if len(seen) != 5 {
		t.Errorf("paged through %d executions, want 5", len(seen))
	}
}

func TestMigrator_DownUp_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	m := persistence.NewMigrator(db, migrations.FS, zerolog.Nop())

	if err := m.Down(ctx); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	// applying twice is a no-op
	if err := m.Up(ctx); err != nil {
		t.Fatalf("second up: %v", err)
	}
}
