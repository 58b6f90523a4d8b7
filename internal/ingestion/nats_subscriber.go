package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	RequestStream   = "FWD_SETTLE_REQUESTS"
	RequestSubjects = "fwd.settle.requests.>"
	ResultStream    = "FWD_SETTLE_RESULTS"
	ResultSubjects  = "fwd.settle.results.>"

	// ExecSubject serves synchronous request/reply settlements over core NATS.
	ExecSubject = "fwd.settle.exec"
)

// SettlementConsumer feeds JetStream settlement requests through a Processor
// and publishes each result before acknowledging the request.
type SettlementConsumer struct {
	js        jetstream.JetStream
	processor *Processor
	publisher *ResultPublisher
	logger    zerolog.Logger
	consumer  jetstream.ConsumeContext
	replies   *nats.Subscription
}

func NewSettlementConsumer(js jetstream.JetStream, processor *Processor, publisher *ResultPublisher, logger zerolog.Logger) *SettlementConsumer {
	return &SettlementConsumer{
		js:        js,
		processor: processor,
		publisher: publisher,
		logger:    logger,
	}
}

// Subscribe creates the durable consumer. Consumers use explicit ACK,
// max_deliver=5, ack_wait=30s.
func (sc *SettlementConsumer) Subscribe(ctx context.Context, durable string) error {
	consumer, err := sc.js.CreateOrUpdateConsumer(ctx, RequestStream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: RequestSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		sc.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}

	sc.consumer = cc
	sc.logger.Info().Str("subject", RequestSubjects).Str("consumer", durable).Msg("subscribed")
	return nil
}

func (sc *SettlementConsumer) handle(ctx context.Context, msg jetstream.Msg) {
	result, disp := sc.processor.Process(ctx, msg.Data())

	if result != nil {
		if err := sc.publisher.Publish(ctx, *result); err != nil {
			sc.logger.Warn().Err(err).Str("request_id", result.RequestID).Msg("result publish failed")
			disp = Nak
		}
	}

	var err error
	switch disp {
	case Ack:
		err = msg.Ack()
	case Nak:
		err = msg.Nak()
	case Term:
		err = msg.Term()
	}
	if err != nil {
		sc.logger.Warn().Err(err).Str("disposition", disp.String()).Msg("message acknowledgement failed")
	}
}

// ServeRequests answers synchronous settlements on ExecSubject. Each request
// is settled once and the JSON result is the reply; nothing is republished.
func (sc *SettlementConsumer) ServeRequests(ctx context.Context, nc *nats.Conn, queue string) error {
	sub, err := nc.QueueSubscribe(ExecSubject, queue, func(msg *nats.Msg) {
		data, err := json.Marshal(sc.processor.Reply(ctx, msg.Data))
		if err != nil {
			sc.logger.Error().Err(err).Msg("marshal reply")
			return
		}
		if err := msg.Respond(data); err != nil {
			sc.logger.Warn().Err(err).Msg("reply failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ExecSubject, err)
	}
	sc.replies = sub
	sc.logger.Info().Str("subject", ExecSubject).Str("queue", queue).Msg("serving request/reply")
	return nil
}

// Stop stops the consumer and the request/reply subscription.
func (sc *SettlementConsumer) Stop() {
	if sc.consumer != nil {
		sc.consumer.Stop()
	}
	if sc.replies != nil {
		sc.replies.Unsubscribe()
	}
	sc.logger.Info().Msg("NATS consumers stopped")
}

// EnsureStreams creates the request and result streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      RequestStream,
			Subjects:  []string{RequestSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      ResultStream,
			Subjects:  []string{ResultSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("forwardsettle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
