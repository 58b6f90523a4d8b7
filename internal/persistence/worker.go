package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"SettledForward/internal/observability"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ExecutionWorker drains executed settlements and batch-writes them to
// Postgres. It runs off the request path: the settlement result is returned
// to the caller before the row is durable.
type ExecutionWorker struct {
	db           *sql.DB
	inputChan    <-chan ExecutionRow
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	write func(ctx context.Context, rows []ExecutionRow) error
}

func NewExecutionWorker(
	db *sql.DB,
	inputChan <-chan ExecutionRow,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ExecutionWorker {
	w := &ExecutionWorker{
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
	w.write = w.flush
	return w
}

// IsPermanentWriteError reports whether Postgres rejected the data itself
// (class 22 data exception, class 23 integrity violation). Retrying such a
// batch can never succeed.
func IsPermanentWriteError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Class() {
	case "22", "23":
		return true
	}
	return false
}

// Run batches incoming rows and flushes when the batch is full or the flush
// timeout expires. Blocks until ctx is cancelled or the channel closes.
func (w *ExecutionWorker) Run(ctx context.Context) error {
	batch := make([]ExecutionRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.write(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case row, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.write(context.Background(), batch); err != nil {
						w.logger.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, row)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled, in which case one last attempt is made. A batch the
// database rejects permanently is split so only the offending rows are lost.
func (w *ExecutionWorker) flushWithRetry(ctx context.Context, rows []ExecutionRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("rows", len(rows)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.write(context.Background(), rows); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.write(ctx, rows)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		if IsPermanentWriteError(err) {
			return w.skipRejected(ctx, rows, err)
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *ExecutionWorker) skipRejected(ctx context.Context, rows []ExecutionRow, cause error) error {
	if len(rows) == 1 {
		r := rows[0]
		w.logger.Error().Err(cause).
			Str("execution_id", r.ExecutionID.String()).
			Str("instrument_id", r.InstrumentID.String()).
			Str("request_key", fmt.Sprintf("%q", r.RequestKey)).
			Msg("execution row rejected by database, skipped")
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("rejected_row").Inc()
		}
		return fmt.Errorf("execution %s rejected: %w", r.ExecutionID, cause)
	}

	var firstErr error
	for i := range rows {
		if err := w.flushWithRetry(ctx, rows[i:i+1]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *ExecutionWorker) flush(ctx context.Context, rows []ExecutionRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := WriteExecutionBatch(ctx, tx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_executions").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistRowsWritten.Add(float64(len(rows)))
	}
	return nil
}
