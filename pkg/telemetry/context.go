package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that records nothing.
func Nop() *Telemetry {
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  NopTracer(),
		Metrics: &Metrics{},
		Events:  &EventPublisher{},
		Config:  DefaultConfig(),
	}
}

// Shutdown flushes events and spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Operation is an instrumented unit of work: a span, a scoped logger and a timer.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	name    string
	metrics *Metrics
}

// StartOperation begins an instrumented operation on one ordering partition.
func (t *Telemetry) StartOperation(ctx context.Context, name, ownerID, collection string, attrs ...attribute.KeyValue) *Operation {
	spanCtx, span := t.Tracer.StartOrderingSpan(ctx, name, ownerID, collection)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	logger := t.Logger.WithPartition(ownerID, collection).WithField("operation", name)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}

	return &Operation{
		Ctx:     logger.WithContext(spanCtx),
		Span:    span,
		Logger:  logger,
		Timer:   NewTimer(),
		name:    name,
		metrics: t.Metrics,
	}
}

// End finishes the operation. outcome labels the metric; code is the error
// code recorded for failures and may be empty.
func (op *Operation) End(outcome, code string, err error) {
	if err != nil {
		RecordError(op.Span, err)
		op.Span.SetAttributes(AttrErrorCode.String(code))
		op.metrics.RecordError(code)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
	op.metrics.RecordOperation(op.name, outcome, op.Timer.Duration())
}
