// Package chainflow executes batches of requests in which consecutive
// requests form chains: every request's Then flag feeds its result into the
// next request, and only the last step of a chain produces a Response.
//
// A Processor splits a batch into chains, groups the chains into chunks of
// Config.ChunkSize and runs each chunk on its own Resource obtained from a
// ResourceFactory. Chunks run in parallel (bounded by Config.Parallelism) or
// one after another with ProcessRequestsSync. Responses are pushed to
// Observers through Subscribe, followed by exactly one completion or error
// signal per batch. Chunks whose chains all ask for fire-and-forget are handed
// to a detached processor and never delay the batch.
//
// Handlers are resolved per step by a HandlerFactory. Registry maps operation
// names to constructors, optionally keyed by the payload type produced by the
// previous step (RegisterFor). Typed, Query and Func build constructors for
// the common shapes; Query works on Lazy collections that are materialized
// only when a chain ends or a request asks for it.
//
// Service puts a Processor behind a Watermill router. RegisterBatchConsumer
// consumes BatchEnvelope messages from any configured transport and a
// ResponseForwarder publishes every Response plus a BatchCompletion marker to
// Config.ResponseTopic. The Service also serves Prometheus metrics and a
// read-only introspection API over HTTP.
//
// # Transports
//
// Transports register themselves in the transport registry when imported;
// transport/transports imports all of them:
//   - channel: in-memory Go channels
//   - kafka: consumer groups, partitioned by batch ID
//   - rabbitmq: durable AMQP queues
//   - nats and jetstream: NATS Core queue groups or JetStream streams
//   - aws: SNS/SQS with LocalStack support
//   - http: webhook style delivery
//   - io: JSON lines files
//   - sqlite and postgres: SQL backed queues with a dead letter store
//
// # Resources
//
// The resource sub-packages provide ResourceFactory implementations that
// hand each chunk its own database/sql, pgx or Redis connection.
//
// # Middleware
//
// Every step runs through the step middleware chain (panic recovery, tracing,
// logging, metrics by default) and ChainHooks observe chain start, success and
// failure. Batch consumers additionally run through the router middleware
// chain: correlation IDs, message logging, tracing, metrics, retries, poison
// queue forwarding and panic recovery.
package chainflow
