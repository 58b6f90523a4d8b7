package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"SettledForward/internal/settlement"

	"github.com/google/uuid"
)

var (
	ErrConfigNotFound = errors.New("settlement config not found")
	ErrConfigExists   = errors.New("settlement config already exists")
)

// PostgresConfigStore persists instrument configurations. Records are
// insert-only: a config never changes after its instrument is initialized.
type PostgresConfigStore struct {
	db *sql.DB
}

func NewPostgresConfigStore(db *sql.DB) *PostgresConfigStore {
	return &PostgresConfigStore{db: db}
}

// Create stores cfg under id. A second Create for the same id fails with
// ErrConfigExists and leaves the original untouched.
func (s *PostgresConfigStore) Create(ctx context.Context, id uuid.UUID, cfg settlement.Config) error {
	record, err := cfg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement.configs
			(instrument_id, record, strike, notional, is_linear, is_standard)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instrument_id) DO NOTHING`,
		id, record, cfg.Strike.String(), strconv.FormatUint(cfg.Notional, 10), cfg.IsLinear, cfg.IsStandard,
	)
	if err != nil {
		return fmt.Errorf("insert config %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert config %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConfigExists, id)
	}
	return nil
}

// Get loads the config for id from its binary record.
func (s *PostgresConfigStore) Get(ctx context.Context, id uuid.UUID) (settlement.Config, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM settlement.configs WHERE instrument_id = $1`, id,
	).Scan(&record)
	if err == sql.ErrNoRows {
		return settlement.Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, id)
	}
	if err != nil {
		return settlement.Config{}, fmt.Errorf("select config %s: %w", id, err)
	}

	var cfg settlement.Config
	if err := cfg.UnmarshalBinary(record); err != nil {
		return settlement.Config{}, fmt.Errorf("decode config %s: %w", id, err)
	}
	return cfg, nil
}
