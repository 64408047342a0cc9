package runtime

import (
	"time"

	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
)

// ChainContext describes a chain execution to hooks.
type ChainContext struct {
	// BatchID identifies the ProcessRequests call the chain belongs to.
	BatchID string
	// ChainID is the id of the chain's first request.
	ChainID string
	// Operations lists the operation of each step.
	Operations []string
	// ChunkIndex is the position of the chain's chunk within the batch.
	ChunkIndex int
	// Detached is set for chains running on a fire-and-forget processor.
	Detached bool
	// Cached is set when the response came from the response cache.
	Cached bool
	// StartedAt is when the chain started executing.
	StartedAt time.Time
	// Duration is only set in OnChainDone and OnChainError.
	Duration time.Duration
}

// ChainHooks defines callbacks for chain lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type ChainHooks struct {
	// OnChainStart is called before the first step runs.
	OnChainStart func(ctx ChainContext)

	// OnChainDone is called after a chain produced a value.
	OnChainDone func(ctx ChainContext, resp Response)

	// OnChainError is called after a step failed. err is the unformatted
	// step failure; resp.Error holds the formatted one.
	OnChainError func(ctx ChainContext, resp Response, err error)
}

// Merge combines two ChainHooks. The hooks from 'other' are called after the
// hooks from 'h'.
func (h ChainHooks) Merge(other ChainHooks) ChainHooks {
	return ChainHooks{
		OnChainStart: mergeStart(h.OnChainStart, other.OnChainStart),
		OnChainDone:  mergeDone(h.OnChainDone, other.OnChainDone),
		OnChainError: mergeError(h.OnChainError, other.OnChainError),
	}
}

func mergeStart(a, b func(ChainContext)) func(ChainContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ChainContext) {
		a(ctx)
		b(ctx)
	}
}

func mergeDone(a, b func(ChainContext, Response)) func(ChainContext, Response) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ChainContext, resp Response) {
		a(ctx, resp)
		b(ctx, resp)
	}
}

func mergeError(a, b func(ChainContext, Response, error)) func(ChainContext, Response, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ChainContext, resp Response, err error) {
		a(ctx, resp, err)
		b(ctx, resp, err)
	}
}

func (h ChainHooks) start(ctx ChainContext) {
	if h.OnChainStart != nil {
		h.OnChainStart(ctx)
	}
}

func (h ChainHooks) finish(ctx ChainContext, resp Response, err error) {
	if err != nil {
		if h.OnChainError != nil {
			h.OnChainError(ctx, resp, err)
		}
		return
	}
	if h.OnChainDone != nil {
		h.OnChainDone(ctx, resp)
	}
}

// LoggingHooks returns pre-built hooks that log chain lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) ChainHooks {
	fields := func(ctx ChainContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"batch_id":    ctx.BatchID,
			"chain_id":    ctx.ChainID,
			"operations":  ctx.Operations,
			"chunk_index": ctx.ChunkIndex,
			"detached":    ctx.Detached,
		}
	}
	return ChainHooks{
		OnChainStart: func(ctx ChainContext) {
			logger.Debug("Chain started", fields(ctx))
		},
		OnChainDone: func(ctx ChainContext, resp Response) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			f["cached"] = ctx.Cached
			f["steps"] = resp.Statistics.Steps
			logger.Info("Chain completed", f)
		},
		OnChainError: func(ctx ChainContext, resp Response, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			f["steps"] = resp.Statistics.Steps
			logger.Error("Chain failed", err, f)
		},
	}
}

// MetricsHooks returns pre-built hooks that forward chain events to counters.
func MetricsHooks(onStart, onDone, onError func(ctx ChainContext)) ChainHooks {
	return ChainHooks{
		OnChainStart: func(ctx ChainContext) {
			if onStart != nil {
				onStart(ctx)
			}
		},
		OnChainDone: func(ctx ChainContext, _ Response) {
			if onDone != nil {
				onDone(ctx)
			}
		},
		OnChainError: func(ctx ChainContext, _ Response, _ error) {
			if onError != nil {
				onError(ctx)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on chain errors.
func AlertingHooks(alertFunc func(ctx ChainContext, err error)) ChainHooks {
	if alertFunc == nil {
		return ChainHooks{}
	}
	return ChainHooks{
		OnChainError: func(ctx ChainContext, _ Response, err error) {
			alertFunc(ctx, err)
		},
	}
}
