package runtime

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/chainflow"

// StepMiddleware decorates a StepFunc.
type StepMiddleware func(StepFunc) StepFunc

// StepMiddlewareBuilder constructs a step middleware for a processor.
type StepMiddlewareBuilder func(*Processor) (StepMiddleware, error)

// StepMiddlewareRegistration captures how a middleware is attached to a
// Processor. Exactly one of Middleware and Builder is used; a Builder may
// return nil to opt out.
type StepMiddlewareRegistration struct {
	Name       string
	Middleware StepMiddleware
	Builder    StepMiddlewareBuilder
}

// DefaultStepMiddlewares returns the standard step middleware chain, outermost
// first.
func DefaultStepMiddlewares() []StepMiddlewareRegistration {
	return []StepMiddlewareRegistration{
		RecovererMiddleware(),
		TracerMiddleware(),
		LogStepsMiddleware(nil),
		MetricsMiddleware(),
	}
}

// RecovererMiddleware converts a handler panic into a step failure so it is
// captured in the chain's Response instead of aborting the chunk.
func RecovererMiddleware() StepMiddlewareRegistration {
	return StepMiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recoverSteps,
	}
}

func recoverSteps(next StepFunc) StepFunc {
	return func(ctx context.Context, step Step) (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				out = nil
				err = &StepError{
					RequestID: step.Request.ID,
					ChainID:   step.ChainID,
					Operation: step.Request.Operation,
					Phase:     PhasePanic,
					Err:       &PanicError{Value: r, Stack: debug.Stack()},
				}
			}
		}()
		return next(ctx, step)
	}
}

// TracerMiddleware wraps each step in an OpenTelemetry span.
func TracerMiddleware() StepMiddlewareRegistration {
	return StepMiddlewareRegistration{
		Name:       "tracer",
		Middleware: traceSteps,
	}
}

func traceSteps(next StepFunc) StepFunc {
	return func(ctx context.Context, step Step) (any, error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "chainflow.step",
			trace.WithAttributes(
				attribute.String("chainflow.batch_id", step.BatchID),
				attribute.String("chainflow.chain_id", step.ChainID),
				attribute.String("chainflow.request_id", step.Request.ID),
				attribute.String("chainflow.operation", step.Request.Operation),
			))
		defer span.End()

		out, err := next(ctx, step)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if phase := stepPhase(err); phase != "" {
				span.SetAttributes(attribute.String("chainflow.phase", string(phase)))
			}
		}
		return out, err
	}
}

// LogStepsMiddleware logs every step at trace level. A nil logger uses the
// processor's logger.
func LogStepsMiddleware(logger loggingpkg.ServiceLogger) StepMiddlewareRegistration {
	return StepMiddlewareRegistration{
		Name: "log_steps",
		Builder: func(p *Processor) (StepMiddleware, error) {
			l := logger
			if l == nil {
				l = p.logger
			}
			if l == nil {
				return nil, errors.New("log steps middleware requires a logger")
			}
			return logSteps(l), nil
		},
	}
}

func logSteps(logger loggingpkg.ServiceLogger) StepMiddleware {
	return func(next StepFunc) StepFunc {
		return func(ctx context.Context, step Step) (any, error) {
			fields := loggingpkg.LogFields{
				"batch_id":   step.BatchID,
				"chain_id":   step.ChainID,
				"request_id": step.Request.ID,
				"operation":  step.Request.Operation,
			}
			logger.Trace("Running step", fields)
			start := time.Now()
			out, err := next(ctx, step)
			fields["duration_ms"] = time.Since(start).Milliseconds()
			if err != nil {
				fields["phase"] = string(stepPhase(err))
				logger.Trace("Step failed", fields)
				return out, err
			}
			logger.Trace("Step finished", fields)
			return out, nil
		}
	}
}

// MetricsMiddleware records per-operation statistics and, when the processor
// has Metrics, Prometheus step counters and latencies.
func MetricsMiddleware() StepMiddlewareRegistration {
	return StepMiddlewareRegistration{
		Name: "metrics",
		Builder: func(p *Processor) (StepMiddleware, error) {
			return measureSteps(p.metrics, p.stats), nil
		},
	}
}

func measureSteps(metrics *Metrics, stats *StatsRegistry) StepMiddleware {
	return func(next StepFunc) StepFunc {
		return func(ctx context.Context, step Step) (any, error) {
			op := step.Request.Operation
			var opStats *OperationStats
			if stats != nil {
				opStats = stats.For(op)
				opStats.onStart()
			}
			start := time.Now()
			out, err := next(ctx, step)
			elapsed := time.Since(start)
			if opStats != nil {
				opStats.onFinish(elapsed, err)
			}
			metrics.RecordStep(op, elapsed, err)
			return out, err
		}
	}
}

// buildSteps wraps core with the registrations, the first registration being
// the outermost.
func buildSteps(p *Processor, core StepFunc, registrations []StepMiddlewareRegistration) (StepFunc, error) {
	middlewares := make([]StepMiddleware, 0, len(registrations))
	for _, reg := range registrations {
		mw, err := reg.resolve(p)
		if err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return nil, errors.Join(errors.New("failed to register step middleware "+name), err)
		}
		if mw != nil {
			middlewares = append(middlewares, mw)
		}
	}

	step := core
	for i := len(middlewares) - 1; i >= 0; i-- {
		step = middlewares[i](step)
	}
	return step, nil
}

func (reg StepMiddlewareRegistration) resolve(p *Processor) (StepMiddleware, error) {
	switch {
	case reg.Middleware != nil:
		return reg.Middleware, nil
	case reg.Builder != nil:
		return reg.Builder(p)
	default:
		return nil, errors.New("step middleware registration requires Middleware or Builder")
	}
}
