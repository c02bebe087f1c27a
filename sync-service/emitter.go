package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-sync/pkg/otelhelper"
)

// eventStream is the JetStream stream collaborators (search indexer, push
// notifier, archival) consume from.
const eventStream = "CHAT_EVENTS"

// emitter publishes committed sync events onto the collaborator pipeline.
// Publishing is fire-and-forget: a pipeline outage must never fail a client
// operation.
type emitter struct {
	nc        *nats.Conn
	breaker   *CircuitBreaker
	published metric.Int64Counter
}

func newEmitter(nc *nats.Conn) *emitter {
	return &emitter{nc: nc, breaker: NewCircuitBreaker(5, 30)}
}

// ensureStream creates or updates the pipeline stream.
func ensureStream(ctx context.Context, nc *nats.Conn) error {
	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     eventStream,
		Subjects: []string{"events.>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	return err
}

// emit publishes payload under events.<kind> with trace context attached.
// When the breaker is open the event is dropped; collaborators replay from
// the stream once the pipeline recovers.
func (e *emitter) emit(ctx context.Context, kind string, payload any) {
	if !e.breaker.Allow() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("pipeline event marshal failed", "kind", kind, "error", err)
		return
	}
	subject := "events." + kind
	if err := otelhelper.TracedPublish(ctx, e.nc, subject, data); err != nil {
		e.breaker.RecordFailure()
		slog.Warn("pipeline publish failed", "subject", subject, "error", err)
		return
	}
	e.breaker.RecordSuccess()
	if e.published != nil {
		e.published.Add(ctx, 1)
	}
}
