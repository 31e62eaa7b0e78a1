// Package telemetry provides observability instrumentation for the ordering engine.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and change events into one bundle.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Engine operations are wrapped with StartOperation, which opens a span,
// scopes a logger to the partition and times the call:
//
//	op := tel.StartOperation(ctx, "reorder_one", owner, collection)
//	defer func() { op.End(outcome, code, err) }()
//
// # Metrics
//
//	sorteia_operations_total{operation,outcome}
//	sorteia_operation_duration_seconds{operation}
//	sorteia_compactions_total{status}
//	sorteia_compaction_retries_total
//	sorteia_compaction_queue_depth
//	sorteia_positions_rewritten_total
//	sorteia_errors_total{code}
//
// # Events
//
// The EventPublisher emits order.inserted, order.updated, order.deleted,
// order.bulk_reordered, compaction.completed and compaction.failed events.
// Subscribers are called in subscription order from a single goroutine when
// async delivery is enabled.
package telemetry
