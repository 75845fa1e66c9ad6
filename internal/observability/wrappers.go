package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// InstrumentedExecutor wraps a sandbox.Executor with metrics, tracing,
// and anomaly detection. The wrapped executor's behavior is unchanged —
// every outcome, including refusals, passes through untouched.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest, mode sandbox.Mode) *sandbox.ExecutionResult {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "guest.execute",
			trace.WithAttributes(
				attribute.String("guest.mode", mode.String()),
				attribute.Int("guest.code_bytes", len(req.Code)),
			))
		defer span.End()
	}

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	result := e.inner.Execute(ctx, req, mode)
	duration := time.Since(start).Seconds()

	if e.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("guest.failure", result.Failure.String()))
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
		}
	}

	if e.metrics != nil {
		label := mode.String()
		e.metrics.ExecutionsTotal.WithLabelValues(label, result.Failure.String()).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(label).Observe(duration)
		e.metrics.StdoutBytes.WithLabelValues(label).Observe(float64(len(result.Stdout)))

		switch result.Failure {
		case sandbox.FailureViolation:
			e.metrics.ValidationsTotal.WithLabelValues("refused").Inc()
			for _, v := range result.Violations {
				e.metrics.ViolationsTotal.WithLabelValues(v.Kind.String()).Inc()
			}
		case sandbox.FailureDisabled:
			// Never validated; counts under neither result.
		default:
			e.metrics.ValidationsTotal.WithLabelValues("clean").Inc()
		}
	}

	if e.anomaly != nil {
		if result.Failure == sandbox.FailureViolation {
			e.anomaly.RecordRefusal(mode.String())
		} else if result.Failure != sandbox.FailureDisabled {
			e.anomaly.RecordAccepted(mode.String())
		}
	}

	return result
}

// compile-time interface check
var _ sandbox.Executor = (*InstrumentedExecutor)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
