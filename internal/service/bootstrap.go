package service

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// instrumentFile is the TOML layout of an instrument bootstrap file:
//
//	[[instrument]]
//	id = "8f1c4e0a-2a7e-4b8e-9c55-1f6f2a0d3b11"
//	strike = 100.0
//	notional = 1000
//	linear = true
//	standard = true
type instrumentFile struct {
	Instrument []instrumentEntry `toml:"instrument"`
}

type instrumentEntry struct {
	ID       uuid.UUID `toml:"id"`
	Strike   float64   `toml:"strike"`
	Notional uint64    `toml:"notional"`
	Linear   bool      `toml:"linear"`
	Standard bool      `toml:"standard"`
}

// LoadInstruments reads a bootstrap file. Every entry must carry an id so
// that reloading the file is idempotent.
func LoadInstruments(path string) ([]InitParams, error) {
	var f instrumentFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return f.params()
}

// ParseInstruments is LoadInstruments on an in-memory document.
func ParseInstruments(doc string) ([]InitParams, error) {
	var f instrumentFile
	if _, err := toml.Decode(doc, &f); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	return f.params()
}

func (f instrumentFile) params() ([]InitParams, error) {
	out := make([]InitParams, 0, len(f.Instrument))
	seen := make(map[uuid.UUID]bool, len(f.Instrument))
	for i, e := range f.Instrument {
		if e.ID == uuid.Nil {
			return nil, fmt.Errorf("instrument %d: id is required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("instrument %d: duplicate id %s", i, e.ID)
		}
		seen[e.ID] = true
		out = append(out, InitParams{
			InstrumentID: e.ID,
			Strike:       e.Strike,
			Notional:     e.Notional,
			IsLinear:     e.Linear,
			IsStandard:   e.Standard,
		})
	}
	return out, nil
}

// Bootstrap initializes every instrument that does not exist yet. Existing
// instruments are left untouched; their stored config wins over the file.
func (s *SettlementService) Bootstrap(ctx context.Context, params []InitParams) (created int, err error) {
	for _, p := range params {
		_, _, err := s.Initialize(ctx, p)
		switch {
		case err == nil:
			created++
		case IsConflict(err):
			s.logger.Debug().Str("instrument_id", p.InstrumentID.String()).Msg("instrument already initialized")
		default:
			return created, fmt.Errorf("bootstrap %s: %w", p.InstrumentID, err)
		}
	}
	return created, nil
}
