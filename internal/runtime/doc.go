/*
Package runtime implements request chaining and its hosting service for
chainflow.

# Architecture Overview

A batch of Requests is split into chains, chains are grouped into chunks and
every chunk runs on one Resource. Each step resolves a Handler through a
HandlerFactory and passes its result to the next step of the chain; the last
step produces the chain's Response. Responses reach subscribers through a
ResultSink, followed by one completion or error signal per batch.

# Package Structure

## Chaining (chain.go, executor.go, dispatch.go)

  - SplitChains and GroupChunks cut a batch into chains and chunks
  - runChain drives the steps of one chain and materializes lazy results
  - Registry resolves operations, optionally by the incoming payload type

## Processor (processor.go, sink.go, cache.go)

Processor runs chunks in parallel on a bounded pool or one at a time, hands
fire-and-forget chunks to a detached processor, and answers cacheable chains
from a theine backed ResponseCache.

## Step middleware and hooks (step_middleware.go, hooks.go)

  - Recoverer: turns handler panics into PanicError
  - Tracer: OpenTelemetry span per step
  - LogSteps: debug log per step
  - Metrics: Prometheus step counters and latencies
  - ChainHooks: OnChainStart, OnChainDone and OnChainError callbacks

## Service (service.go, envelope.go, forwarder.go, middleware.go)

Service consumes BatchEnvelope messages from a Watermill subscriber, runs
them on a Processor and publishes every Response plus a BatchCompletion
marker through a ResponseForwarder. Router middleware covers correlation IDs,
logging, tracing, metrics, retries, poison queue forwarding and panic
recovery.

## Stats & Monitoring (stats.go, metrics.go, deadletters.go, usage.go, webui.go)

  - Per-operation latency percentiles, throughput and error breakdowns
  - Prometheus collectors for batches, chains, steps and dead letters
  - Read-only HTTP API for operations, stats, responses, consumers,
    dead letters and process usage

# Sub-packages

  - config/: configuration, defaults, validation and viper loading
  - errors/: sentinel errors
  - handlers/: Base, Typed, Query and Lazy handler building blocks
  - ids/: ULID generation for batch ids
  - jsoncodec/: sonic backed JSON encoding
  - logging/: ServiceLogger and its slog, zap and Watermill adapters
  - metadata/: request Headers and their Watermill metadata mapping
  - transport/: transport factory over the transport registry
*/
package runtime
