package runtime

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/chainflow/internal/runtime/config"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	idspkg "github.com/drblury/chainflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
)

const (
	modeParallel = "parallel"
	modeSync     = "sync"
)

// ProcessorDependencies holds the collaborators of a Processor. Handlers and
// Resources are required; everything else is optional.
type ProcessorDependencies struct {
	Handlers  HandlerFactory
	Resources ResourceFactory
	// FormatError shapes step failures stored in Response.Error. Defaults to
	// storing the error itself.
	FormatError FormatErrorFunc
	Hooks       ChainHooks
	// StepMiddlewares are appended after the default step middleware chain.
	StepMiddlewares []StepMiddlewareRegistration
	// DisableDefaultMiddlewares skips DefaultStepMiddlewares when true.
	DisableDefaultMiddlewares bool
	Cache                     ResponseCache
	Metrics                   *Metrics
	// Stats is shared with processors created from the same Service. A fresh
	// registry is used when nil.
	Stats *StatsRegistry
	// DetachedObserver, when set, is subscribed to the sink of every
	// fire-and-forget processor.
	DetachedObserver Observer
}

// Processor splits request batches into chains, runs them and broadcasts one
// Response per chain to its subscribers. A Processor owns its ResultSink;
// create one per scope that wants its own stream of results.
type Processor struct {
	conf   configpkg.Config
	logger loggingpkg.ServiceLogger
	deps   ProcessorDependencies

	sink        *ResultSink
	step        StepFunc
	hooks       ChainHooks
	formatError FormatErrorFunc
	cache       ResponseCache
	metrics     *Metrics
	stats       *StatsRegistry

	// detached is shared by a processor and all its fire-and-forget siblings.
	detached *sync.WaitGroup
	closed   atomic.Bool
}

// NewProcessor builds a Processor. conf may be nil, in which case defaults are
// used; a nil logger discards output.
func NewProcessor(conf *configpkg.Config, logger loggingpkg.ServiceLogger, deps ProcessorDependencies) (*Processor, error) {
	if deps.Handlers == nil {
		return nil, errspkg.ErrHandlerFactoryRequired
	}
	if deps.Resources == nil {
		return nil, errspkg.ErrResourceFactoryRequired
	}

	var c configpkg.Config
	if conf != nil {
		if err := conf.Validate(); err != nil {
			return nil, errspkg.NewConfigValidationError(err)
		}
		c = *conf
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	if deps.Stats == nil {
		deps.Stats = NewStatsRegistry()
	}
	return newProcessor(c.WithDefaults(), logger, deps, &sync.WaitGroup{})
}

func newProcessor(conf configpkg.Config, logger loggingpkg.ServiceLogger, deps ProcessorDependencies, detached *sync.WaitGroup) (*Processor, error) {
	p := &Processor{
		conf:        conf,
		logger:      logger,
		deps:        deps,
		sink:        NewResultSink(),
		hooks:       deps.Hooks,
		formatError: deps.FormatError,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		stats:       deps.Stats,
		detached:    detached,
	}
	if p.formatError == nil {
		p.formatError = identityFormatError
	}

	var registrations []StepMiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = append(registrations, DefaultStepMiddlewares()...)
	}
	registrations = append(registrations, deps.StepMiddlewares...)

	step, err := buildSteps(p, dispatchStep(deps.Handlers), registrations)
	if err != nil {
		return nil, err
	}
	p.step = step
	return p, nil
}

// sibling returns a brand-new processor with its own sink that shares the
// factories, formatter, hooks, middleware and detached work tracking.
func (p *Processor) sibling() (*Processor, error) {
	return newProcessor(p.conf, p.logger, p.deps, p.detached)
}

// Subscribe registers observer with the processor's sink; see
// ResultSink.Subscribe.
func (p *Processor) Subscribe(observer Observer) Subscription {
	return p.sink.Subscribe(observer)
}

// Responses returns every Response recorded so far, in completion order.
func (p *Processor) Responses() []Response {
	return p.sink.Snapshot()
}

// Sink exposes the processor's ResultSink.
func (p *Processor) Sink() *ResultSink {
	return p.sink
}

// Stats exposes the per-operation statistics.
func (p *Processor) Stats() *StatsRegistry {
	return p.stats
}

type batch struct {
	id      string
	mode    string
	started time.Time
	chunks  []Chunk
	span    trace.Span
}

func (p *Processor) beginBatch(ctx context.Context, mode string, requests []Request) (context.Context, *batch) {
	b := &batch{id: idspkg.CreateULID(), mode: mode, started: time.Now()}

	chains, dropped := splitChains(requests)
	b.chunks = GroupChunks(chains, p.conf.ChunkSize)

	ctx, b.span = otel.Tracer(tracerName).Start(ctx, "chainflow.batch",
		trace.WithAttributes(
			attribute.String("chainflow.batch_id", b.id),
			attribute.String("chainflow.mode", mode),
			attribute.Int("chainflow.requests", len(requests)),
			attribute.Int("chainflow.chains", len(chains)),
			attribute.Int("chainflow.dropped", len(dropped)),
		))

	p.metrics.RecordBatch(mode)
	p.logger.Info("Processing batch", loggingpkg.LogFields{
		"batch_id": b.id,
		"mode":     mode,
		"requests": len(requests),
		"chains":   len(chains),
		"chunks":   len(b.chunks),
	})
	if len(dropped) > 0 {
		p.metrics.RecordDropped(len(dropped))
		p.logger.Debug("Dropping unterminated chain", loggingpkg.LogFields{
			"batch_id":         b.id,
			"dropped":          len(dropped),
			"first_dropped_id": dropped[0].ID,
		})
	}
	return ctx, b
}

func (p *Processor) endBatch(b *batch, err error) {
	fields := loggingpkg.LogFields{
		"batch_id":    b.id,
		"mode":        b.mode,
		"duration_ms": time.Since(b.started).Milliseconds(),
	}
	if err != nil {
		b.span.RecordError(err)
		b.span.SetStatus(codes.Error, err.Error())
		p.logger.Error("Batch finished with chunk failures", err, fields)
	} else {
		p.logger.Info("Batch finished", fields)
	}
	b.span.End()
	p.sink.Complete(err)
}

// ProcessRequests runs the chunks of a batch concurrently, at most
// Config.Parallelism at a time, and waits for all of them. Step failures end
// up in the Responses; chunk-level failures are joined and returned. Once
// every non-detached chunk finished, observers receive OnCompleted, or
// OnError with the returned error.
func (p *Processor) ProcessRequests(ctx context.Context, requests []Request, headers Headers) error {
	if p.closed.Load() {
		return errspkg.ErrProcessorClosed
	}
	ctx, b := p.beginBatch(ctx, modeParallel, requests)

	workers := pool.New().WithErrors().WithMaxGoroutines(p.conf.Parallelism)
	for i, chunk := range b.chunks {
		if chunk.FireAndForget() {
			p.detach(ctx, b, i, chunk, headers)
			continue
		}
		workers.Go(func() error {
			return p.runChunk(ctx, b.id, i, chunk, headers, false)
		})
	}
	err := workers.Wait()

	p.endBatch(b, err)
	return err
}

// ProcessRequestsSync runs the chunks of a batch one at a time, in order, on
// the calling goroutine. The first chunk-level failure stops the batch and is
// returned.
func (p *Processor) ProcessRequestsSync(ctx context.Context, requests []Request, headers Headers) error {
	if p.closed.Load() {
		return errspkg.ErrProcessorClosed
	}
	ctx, b := p.beginBatch(ctx, modeSync, requests)

	var err error
	for i, chunk := range b.chunks {
		if chunk.FireAndForget() {
			p.detach(ctx, b, i, chunk, headers)
			continue
		}
		if err = p.runChunk(ctx, b.id, i, chunk, headers, false); err != nil {
			break
		}
	}

	p.endBatch(b, err)
	return err
}

// ProcessRequest runs a single step through the middleware chain with the
// given resource and payload. It does not record a Response.
func (p *Processor) ProcessRequest(ctx context.Context, req Request, headers Headers, resource Resource, payload any) (any, error) {
	if p.closed.Load() {
		return nil, errspkg.ErrProcessorClosed
	}
	return p.step(ctx, Step{
		ChainID:  req.ID,
		Request:  req,
		Headers:  headers,
		Resource: resource,
		Payload:  payload,
	})
}

// runChunk acquires a resource, runs the chains of the chunk in order and
// releases the resource on every path. A panic escaping a chain is turned
// into a ChunkError.
func (p *Processor) runChunk(ctx context.Context, batchID string, index int, chunk Chunk, headers Headers, detached bool) (err error) {
	chunkErr := func(cause error) error {
		p.metrics.RecordChunkFailure()
		return &ChunkError{Index: index, ChainIDs: chunk.ChainIDs(), Err: cause}
	}

	resource, err := p.deps.Resources(ctx)
	if err != nil {
		return chunkErr(fmt.Errorf("acquire resource: %w", err))
	}
	if resource == nil {
		return chunkErr(errspkg.ErrNilResource)
	}

	p.metrics.ChunkStarted()
	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(*PanicError)
			if !ok {
				perr = &PanicError{Value: r, Stack: debug.Stack()}
			}
			err = chunkErr(perr)
		}
		if releaseErr := resource.Release(); releaseErr != nil {
			err = errors.Join(err, chunkErr(fmt.Errorf("release resource: %w", releaseErr)))
		}
		p.metrics.ChunkFinished()
	}()

	run := chainRun{batchID: batchID, chunkIndex: index, detached: detached}
	for _, chain := range chunk {
		p.runChain(ctx, run, chain, headers, resource)
	}
	return nil
}

// detach hands chunk to a sibling processor on its own goroutine. The
// sibling acquires its own resource; nothing acquired by the caller crosses
// over. The caller's cancellation does not reach the detached work.
func (p *Processor) detach(ctx context.Context, b *batch, index int, chunk Chunk, headers Headers) {
	fields := loggingpkg.LogFields{
		"batch_id":    b.id,
		"chunk_index": index,
		"chain_ids":   chunk.ChainIDs(),
	}

	sibling, err := p.sibling()
	if err != nil {
		p.logger.Error("Failed to create detached processor", err, fields)
		return
	}
	if p.deps.DetachedObserver != nil {
		sibling.Subscribe(p.deps.DetachedObserver)
	}

	p.metrics.RecordDetached()
	p.logger.Info("Detaching fire-and-forget chunk", fields)

	detachedCtx := context.WithoutCancel(ctx)
	owned := headers.Clone()
	p.detached.Add(1)
	go func() {
		defer p.detached.Done()
		err := sibling.runChunk(detachedCtx, b.id, index, chunk, owned, true)
		if err != nil {
			p.logger.Error("Detached chunk failed", err, fields)
		}
		sibling.sink.Complete(err)
	}()
}

// WaitDetached blocks until every fire-and-forget chunk launched by this
// processor, or by processors sharing its detached tracking, has finished, or
// until ctx is done.
func (p *Processor) WaitDetached(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further batches and waits for detached work.
func (p *Processor) Close(ctx context.Context) error {
	p.closed.Store(true)
	return p.WaitDetached(ctx)
}

// Parallelism reports the effective worker bound of parallel mode.
func (p *Processor) Parallelism() int {
	if p.conf.Parallelism > 0 {
		return p.conf.Parallelism
	}
	return goruntime.GOMAXPROCS(0)
}
