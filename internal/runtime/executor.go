package runtime

import (
	"context"
	"reflect"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
)

// chainRun carries the per-chain scheduling context into runChain.
type chainRun struct {
	batchID    string
	chunkIndex int
	detached   bool
}

// chainProgress tracks the running request and the completed steps so a
// panic can be attributed to the right step.
type chainProgress struct {
	current  Request
	steps    int
	payloads []reflect.Type
}

// cachedChain is the cache entry of a chain: its final value and the payload
// type each step was resolved against.
type cachedChain struct {
	value    any
	payloads []reflect.Type
}

// runChain executes chain step by step, threading each result into the next
// step, and records exactly one Response in the sink. ok is false only for an
// empty chain, which produces nothing.
func (p *Processor) runChain(ctx context.Context, run chainRun, chain Chain, headers Headers, resource Resource) (resp Response, ok bool) {
	if len(chain) == 0 {
		return Response{}, false
	}

	start := time.Now()
	chainID := chain.ID()
	resp = Response{ID: chainID}
	info := ChainContext{
		BatchID:    run.batchID,
		ChainID:    chainID,
		Operations: chain.Operations(),
		ChunkIndex: run.chunkIndex,
		Detached:   run.detached,
		StartedAt:  start,
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "chainflow.chain",
		trace.WithAttributes(
			attribute.String("chainflow.batch_id", run.batchID),
			attribute.String("chainflow.chain_id", chainID),
			attribute.Int("chainflow.steps", len(chain)),
			attribute.Bool("chainflow.detached", run.detached),
		))
	p.hooks.start(info)

	var failure error
	progress := &chainProgress{current: chain[0]}
	finish := func() {
		elapsed := time.Since(start)
		resp.Statistics.Elapsed = elapsed
		if !info.Cached {
			resp.Statistics.Steps = progress.steps
		}
		resp.Statistics.Cached = info.Cached
		info.Duration = elapsed
		if failure != nil {
			resp.Value = nil
			resp.Error = p.formatError(failure)
			span.RecordError(failure)
			span.SetStatus(codes.Error, failure.Error())
		}
		span.End()

		p.sink.Record(resp)
		p.metrics.RecordChain(elapsed, failure != nil, info.Cached)
		p.hooks.finish(info, resp, failure)
	}
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: debug.Stack()}
			failure = &StepError{
				RequestID: progress.current.ID,
				ChainID:   chainID,
				Operation: progress.current.Operation,
				Phase:     PhasePanic,
				Err:       perr,
			}
			finish()
			panic(perr)
		}
		finish()
	}()

	var cacheKey uint64
	cacheable := p.cache != nil && chain.Cacheable()
	if cacheable {
		key, err := fingerprint(chain, headers)
		if err != nil {
			cacheable = false
			p.logger.Debug("Chain is not cacheable", loggingpkg.LogFields{"chain_id": chainID, "error": err.Error()})
		} else {
			cacheKey = key
			if entry, hit := p.cache.Get(key); hit {
				if cached, ok := entry.(*cachedChain); ok {
					if err := p.authorizeCached(ctx, run, chain, headers, resource, cached, progress); err != nil {
						failure = err
						return resp, true
					}
					info.Cached = true
					resp.Value = cached.value
					resp.Statistics.Steps = len(chain)
					return resp, true
				}
			}
		}
	}

	value, err := p.runSteps(ctx, run, chain, headers, resource, progress)
	if err != nil {
		failure = err
		return resp, true
	}
	resp.Value = value
	if cacheable {
		p.cache.Set(cacheKey, &cachedChain{value: value, payloads: progress.payloads})
	}
	return resp, true
}

// authorizeCached resolves, sets up and authorizes every step of a cached
// chain without executing it, so a cache hit is subject to the same checks
// as a fresh run. Each handler is resolved against the zero value of the
// payload type the step saw when the entry was stored.
func (p *Processor) authorizeCached(ctx context.Context, run chainRun, chain Chain, headers Headers, resource Resource, cached *cachedChain, progress *chainProgress) error {
	chainID := chain.ID()
	for i, req := range chain {
		progress.current = req
		var payload any
		if i < len(cached.payloads) && cached.payloads[i] != nil {
			payload = reflect.Zero(cached.payloads[i]).Interface()
		}
		if _, err := prepareStep(ctx, p.deps.Handlers, Step{
			BatchID:  run.batchID,
			ChainID:  chainID,
			Request:  req,
			Headers:  headers,
			Resource: resource,
			Payload:  payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

// runSteps returns the chain's final value. The first failure stops the chain.
func (p *Processor) runSteps(ctx context.Context, run chainRun, chain Chain, headers Headers, resource Resource, progress *chainProgress) (any, error) {
	chainID := chain.ID()
	last := len(chain) - 1

	var value any
	for i, req := range chain {
		progress.current = req
		if err := ctx.Err(); err != nil {
			return nil, wrapStep(err, req, chainID, PhaseCancelled)
		}
		progress.payloads = append(progress.payloads, reflect.TypeOf(value))

		out, err := p.step(ctx, Step{
			BatchID:  run.batchID,
			ChainID:  chainID,
			Request:  req,
			Headers:  headers,
			Resource: resource,
			Payload:  value,
		})
		if err != nil {
			return nil, wrapStep(err, req, chainID, PhaseExecute)
		}

		// Intermediate values stay lazy so the next step can compose on them.
		if i == last {
			out, err = materialize(ctx, out)
			if err != nil {
				return nil, wrapStep(err, req, chainID, PhaseMaterialize)
			}
		}
		value = out
		progress.steps = i + 1
	}
	return value, nil
}

// materialize forces a lazy value. Anything else is returned unchanged.
func materialize(ctx context.Context, value any) (any, error) {
	lazy, ok := value.(Materializable)
	if !ok {
		return value, nil
	}
	return lazy.Materialize(ctx)
}
