package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the orchestrator's meters and tracer. All methods are
// nil-receiver safe so wiring stays optional in tests.
type Telemetry struct {
	logger *log.Logger
	tracer trace.Tracer

	submitted       otelmetric.Int64Counter
	completed       otelmetric.Int64Counter
	rejected        otelmetric.Int64Counter
	cancelled       otelmetric.Int64Counter
	queueDepth      otelmetric.Int64UpDownCounter
	inflightWorkers otelmetric.Int64UpDownCounter
	dispatchLatency otelmetric.Float64Histogram
	tokensUsed      otelmetric.Int64Counter
}

// New wires meters and tracer from the global otel providers.
func New(logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	meter := otel.Meter("quorum/orchestrator")
	t := &Telemetry{
		logger: logger,
		tracer: otel.Tracer("quorum/orchestrator"),
	}

	var err error
	if t.submitted, err = meter.Int64Counter("orchestrator_queries_submitted_total",
		otelmetric.WithDescription("Queries admitted or queued by the scheduler")); err != nil {
		logger.Printf("warn: create submitted counter: %v", err)
	}
	if t.completed, err = meter.Int64Counter("orchestrator_queries_completed_total",
		otelmetric.WithDescription("Queries for which an aggregate result was produced")); err != nil {
		logger.Printf("warn: create completed counter: %v", err)
	}
	if t.rejected, err = meter.Int64Counter("orchestrator_queries_rejected_total",
		otelmetric.WithDescription("Submissions rejected at admission")); err != nil {
		logger.Printf("warn: create rejected counter: %v", err)
	}
	if t.cancelled, err = meter.Int64Counter("orchestrator_queries_cancelled_total",
		otelmetric.WithDescription("Queries cancelled by the caller")); err != nil {
		logger.Printf("warn: create cancelled counter: %v", err)
	}
	if t.queueDepth, err = meter.Int64UpDownCounter("orchestrator_queue_depth",
		otelmetric.WithDescription("Admitted queries waiting for dispatch capacity")); err != nil {
		logger.Printf("warn: create queue depth counter: %v", err)
	}
	if t.inflightWorkers, err = meter.Int64UpDownCounter("orchestrator_inflight_workers",
		otelmetric.WithDescription("Worker tasks currently executing")); err != nil {
		logger.Printf("warn: create inflight counter: %v", err)
	}
	if t.dispatchLatency, err = meter.Float64Histogram("orchestrator_dispatch_latency_seconds",
		otelmetric.WithDescription("Time from admission to worker launch"),
		otelmetric.WithUnit("s")); err != nil {
		logger.Printf("warn: create dispatch latency histogram: %v", err)
	}
	if t.tokensUsed, err = meter.Int64Counter("orchestrator_tokens_used_total",
		otelmetric.WithDescription("Tokens reported consumed by agent outcomes")); err != nil {
		logger.Printf("warn: create tokens counter: %v", err)
	}
	return t
}

// Tracer returns the orchestrator tracer, or a noop tracer on a nil receiver.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return trace.NewNoopTracerProvider().Tracer("quorum/orchestrator")
	}
	return t.tracer
}

func (t *Telemetry) RecordSubmitted(ctx context.Context, agents int) {
	if t == nil || t.submitted == nil {
		return
	}
	t.submitted.Add(ctx, 1, otelmetric.WithAttributes(attribute.Int("agents", agents)))
}

func (t *Telemetry) RecordRejected(ctx context.Context, reason string) {
	if t == nil || t.rejected == nil {
		return
	}
	t.rejected.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
}

func (t *Telemetry) RecordCancelled(ctx context.Context) {
	if t == nil || t.cancelled == nil {
		return
	}
	t.cancelled.Add(ctx, 1)
}

func (t *Telemetry) RecordCompleted(ctx context.Context, partial bool, tokens int64) {
	if t == nil {
		return
	}
	if t.completed != nil {
		t.completed.Add(ctx, 1, otelmetric.WithAttributes(attribute.Bool("partial", partial)))
	}
	if t.tokensUsed != nil && tokens > 0 {
		t.tokensUsed.Add(ctx, tokens)
	}
}

func (t *Telemetry) QueueDepthAdd(ctx context.Context, delta int64) {
	if t == nil || t.queueDepth == nil {
		return
	}
	t.queueDepth.Add(ctx, delta)
}

func (t *Telemetry) InflightAdd(ctx context.Context, delta int64) {
	if t == nil || t.inflightWorkers == nil {
		return
	}
	t.inflightWorkers.Add(ctx, delta)
}

func (t *Telemetry) ObserveDispatchLatency(ctx context.Context, d time.Duration) {
	if t == nil || t.dispatchLatency == nil {
		return
	}
	t.dispatchLatency.Record(ctx, d.Seconds())
}
