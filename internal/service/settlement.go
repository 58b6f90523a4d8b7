package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SettledForward/internal/observability"
	"SettledForward/internal/persistence"
	"SettledForward/internal/settlement"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConfigStore persists instrument configurations.
type ConfigStore interface {
	Create(ctx context.Context, id uuid.UUID, cfg settlement.Config) error
	Get(ctx context.Context, id uuid.UUID) (settlement.Config, error)
}

// InitParams are the parameters an instrument is initialized with.
type InitParams struct {
	InstrumentID uuid.UUID // zero value allocates a new id
	Strike       float64
	Notional     uint64
	IsLinear     bool
	IsStandard   bool
}

// SettlementService is the shell around the pure settlement core: it resolves
// instrument configurations, runs the computation, and hands the outcome to
// persistence and metrics. It never retries a failed settlement; that is the
// orchestrator's call on a fresh observation.
type SettlementService struct {
	store   ConfigStore
	persist chan<- persistence.ExecutionRow
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	cache   *configCache
}

// NewSettlementService wires the service. persist and metrics may be nil.
func NewSettlementService(
	store ConfigStore,
	persist chan<- persistence.ExecutionRow,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *SettlementService {
	return &SettlementService{
		store:   store,
		persist: persist,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		cache:   newConfigCache(DefaultCacheCapacity),
	}
}

// SetCacheCapacity replaces the config cache with an empty one bounded to n
// entries. Call it before serving traffic.
func (s *SettlementService) SetCacheCapacity(n int) {
	s.cache = newConfigCache(n)
}

// Initialize validates the parameters, persists the configuration and returns
// the instrument id.
func (s *SettlementService) Initialize(ctx context.Context, p InitParams) (uuid.UUID, settlement.Config, error) {
	cfg, err := settlement.NewConfig(p.Strike, p.Notional, p.IsLinear, p.IsStandard)
	if err != nil {
		return uuid.Nil, settlement.Config{}, err
	}

	id := p.InstrumentID
	if id == uuid.Nil {
		id = uuid.New()
	}

	if err := s.store.Create(ctx, id, cfg); err != nil {
		return uuid.Nil, settlement.Config{}, fmt.Errorf("initialize %s: %w", id, err)
	}

	s.remember(id, cfg)
	if s.metrics != nil {
		s.metrics.ConfigsCreated.Inc()
	}
	s.logger.Info().
		Str("instrument_id", id.String()).
		Str("strike", cfg.Strike.String()).
		Uint64("notional", cfg.Notional).
		Bool("is_linear", cfg.IsLinear).
		Bool("is_standard", cfg.IsStandard).
		Msg("instrument initialized")

	return id, cfg, nil
}

// Config returns the configuration for id, reading through the cache.
func (s *SettlementService) Config(ctx context.Context, id uuid.UUID) (settlement.Config, error) {
	if cfg, ok := s.cache.Get(id); ok {
		if s.metrics != nil {
			s.metrics.ConfigCacheHits.Inc()
		}
		return cfg, nil
	}

	if s.metrics != nil {
		s.metrics.ConfigCacheMiss.Inc()
	}
	cfg, err := s.store.Get(ctx, id)
	if err != nil {
		return settlement.Config{}, err
	}
	s.remember(id, cfg)
	return cfg, nil
}

func (s *SettlementService) remember(id uuid.UUID, cfg settlement.Config) {
	evicted := s.cache.Add(id, cfg)
	if s.metrics != nil {
		s.metrics.InstrumentsKnown.Set(float64(s.cache.Len()))
		if evicted {
			s.metrics.ConfigCacheEvict.Inc()
		}
	}
}

// Execute settles one observation for the instrument. requestKey identifies
// the request for the execution log; replays with the same key are stored
// once.
func (s *SettlementService) Execute(
	ctx context.Context,
	id uuid.UUID,
	requestKey string,
	in settlement.ExecuteInput,
) (settlement.ExecuteResult, error) {
	cfg, err := s.Config(ctx, id)
	if err != nil {
		return settlement.ExecuteResult{}, err
	}

	s.dumpConfig(id, cfg)

	start := s.now()
	res, err := settlement.Execute(cfg, in)
	elapsed := s.now().Sub(start)

	s.record(id, requestKey, in, res, err, start)

	if err != nil {
		kind := settlement.KindOf(err)
		if s.metrics != nil {
			s.metrics.SettlementsRejected.WithLabelValues(kind.String()).Inc()
		}
		s.logger.Warn().Err(err).
			Str("instrument_id", id.String()).
			Str("request_key", requestKey).
			Str("kind", kind.String()).
			Msg("settlement rejected")
		return settlement.ExecuteResult{}, err
	}

	if s.metrics != nil {
		s.metrics.SettlementsExecuted.WithLabelValues(payoffLabel(cfg), quoteLabel(cfg)).Inc()
		s.metrics.SettlementDuration.Observe(elapsed.Seconds())
		s.metrics.FeeQuantity.Add(float64(res.FeeQuantity))
		if settlement.IsWipeout(in.NewFairValues.At(settlement.SlotUnderlying), cfg.Strike, cfg.IsLinear) {
			s.metrics.SettlementWipeouts.Inc()
		}
	}

	s.logger.Debug().
		Str("instrument_id", id.String()).
		Str("request_key", requestKey).
		Uints64("old_quantity", in.OldQuantity[:]).
		Uints64("new_quantity", res.NewQuantity[:]).
		Uint64("fee_quantity", res.FeeQuantity).
		Msg("settlement executed")

	return res, nil
}

// ExecuteRaw decodes a wire-format input, settles it and returns the
// wire-format result.
func (s *SettlementService) ExecuteRaw(ctx context.Context, id uuid.UUID, requestKey string, input []byte) ([]byte, error) {
	var in settlement.ExecuteInput
	if err := in.UnmarshalBinary(input); err != nil {
		return nil, err
	}
	res, err := s.Execute(ctx, id, requestKey, in)
	if err != nil {
		return nil, err
	}
	return res.MarshalBinary()
}

func (s *SettlementService) dumpConfig(id uuid.UUID, cfg settlement.Config) {
	s.logger.Debug().
		Str("instrument_id", id.String()).
		Uint64("notional", cfg.Notional).
		Bool("is_linear", cfg.IsLinear).
		Bool("is_standard", cfg.IsStandard).
		Str("strike", cfg.Strike.String()).
		Msg("settlement config")
}

// record queues the execution row without blocking the request path; if the
// queue is full the row is dropped and counted.
func (s *SettlementService) record(
	id uuid.UUID,
	requestKey string,
	in settlement.ExecuteInput,
	res settlement.ExecuteResult,
	execErr error,
	at time.Time,
) {
	if s.persist == nil {
		return
	}

	raw, err := in.MarshalBinary()
	if err != nil {
		return
	}

	row := persistence.ExecutionRow{
		ExecutionID:  uuid.New(),
		InstrumentID: id,
		RequestKey:   requestKey,
		Input:        raw,
		OldQuantity:  in.OldQuantity,
		ExecutedAt:   at.UTC(),
	}
	if execErr != nil {
		row.ErrorKind = settlement.KindOf(execErr).String()
	} else {
		nq := res.NewQuantity
		fee := res.FeeQuantity
		row.NewQuantity = &nq
		row.FeeQuantity = &fee
	}

	select {
	case s.persist <- row:
	default:
		if s.metrics != nil {
			s.metrics.PersistDrops.Inc()
		}
		s.logger.Warn().Str("request_key", requestKey).Msg("persist queue full, execution row dropped")
	}
}

func payoffLabel(cfg settlement.Config) string {
	if cfg.IsLinear {
		return "linear"
	}
	return "inverse"
}

func quoteLabel(cfg settlement.Config) string {
	if cfg.IsStandard {
		return "standard"
	}
	return "inverse"
}

// IsNotFound reports whether err means the instrument does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, persistence.ErrConfigNotFound)
}

// IsConflict reports whether err means the instrument already exists.
func IsConflict(err error) bool {
	return errors.Is(err, persistence.ErrConfigExists)
}
