package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"SettledForward/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
)

// ResultPublisher publishes settlement results for the orchestrator, which
// applies them to custody records. Subjects follow
// fwd.settle.results.{instrument_id}.
type ResultPublisher struct {
	js      jetstream.JetStream
	metrics *observability.Metrics
}

func NewResultPublisher(js jetstream.JetStream, metrics *observability.Metrics) *ResultPublisher {
	return &ResultPublisher{js: js, metrics: metrics}
}

// ResultSubject returns the subject results for instrumentID are published on.
func ResultSubject(instrumentID string) string {
	return fmt.Sprintf("fwd.settle.results.%s", instrumentID)
}

// Publish sends res with the request id as the JetStream dedup id, so a
// redelivered request does not publish twice within the dedup window.
func (p *ResultPublisher) Publish(ctx context.Context, res SettleResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = p.js.Publish(ctx, ResultSubject(res.InstrumentID), data,
		jetstream.WithMsgID(res.InstrumentID+"/"+res.RequestID))
	if err != nil && p.metrics != nil {
		p.metrics.PublishErrors.Inc()
	}
	return err
}
