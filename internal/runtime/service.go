package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/chainflow/internal/runtime/config"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	transportpkg "github.com/drblury/chainflow/internal/runtime/transport"
	"github.com/drblury/chainflow/transport"
)

const recentResponsesSize = 100

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the collaborators of a Service. Handlers and
// Resources are required; leave the rest nil to use defaults.
type ServiceDependencies struct {
	Handlers    HandlerFactory
	Resources   ResourceFactory
	FormatError FormatErrorFunc
	Hooks       ChainHooks
	// StepMiddlewares are appended after DefaultStepMiddlewares.
	StepMiddlewares               []StepMiddlewareRegistration
	DisableDefaultStepMiddlewares bool
	// Middlewares are router middlewares appended after DefaultMiddlewares.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	TransportFactory          transportpkg.Factory
	// Cache overrides the theine cache built when Config.CacheEnabled is set.
	Cache ResponseCache
	// MetricsRegistry receives chainflow and router metrics instead of the
	// Prometheus default registry.
	MetricsRegistry *prometheus.Registry
	// DetachedObserver also receives responses of fire-and-forget chunks.
	DetachedObserver Observer
}

// ConsumerInfo describes a registered batch consumer.
type ConsumerInfo struct {
	Name  string `json:"name"`
	Topic string `json:"topic"`

	batches  atomic.Uint64
	failures atomic.Uint64
	lastAt   atomic.Int64
}

// ConsumerSnapshot is the JSON view of a ConsumerInfo.
type ConsumerSnapshot struct {
	Name           string    `json:"name"`
	Topic          string    `json:"topic"`
	Batches        uint64    `json:"batches"`
	Failures       uint64    `json:"failures"`
	LastConsumedAt time.Time `json:"last_consumed_at,omitzero"`
}

func (c *ConsumerInfo) record(err error) {
	c.batches.Add(1)
	if err != nil {
		c.failures.Add(1)
	}
	c.lastAt.Store(time.Now().UnixNano())
}

// Snapshot returns the current counters.
func (c *ConsumerInfo) Snapshot() ConsumerSnapshot {
	snap := ConsumerSnapshot{
		Name:     c.Name,
		Topic:    c.Topic,
		Batches:  c.batches.Load(),
		Failures: c.failures.Load(),
	}
	if at := c.lastAt.Load(); at != 0 {
		snap.LastConsumedAt = time.Unix(0, at).UTC()
	}
	return snap
}

// Service hosts processors behind a Watermill router: batch consumers decode
// BatchEnvelope messages, run them and forward every Response to
// Config.ResponseTopic.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transportpkg.Transport
	publisher    message.Publisher
	subscriber   message.Subscriber
	capabilities transportpkg.Capabilities
	router       *message.Router

	processorDeps ProcessorDependencies
	detached      *sync.WaitGroup
	ownedCache    *TheineCache
	metrics       *Metrics
	deadLetters   *DeadLetterMetrics
	registerer    prometheus.Registerer
	gatherer      prometheus.Gatherer
	recent        *recentResponses
	usage         *usageSampler

	consumers   []*ConsumerInfo
	consumersMu sync.RWMutex

	httpRouters map[int]chi.Router
	httpServers []*http.Server
	httpMu      sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service and panics on invalid input. Register batch
// consumers on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning the error instead of panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Handlers == nil {
		return nil, errspkg.ErrHandlerFactoryRequired
	}
	if deps.Resources == nil {
		return nil, errspkg.ErrResourceFactoryRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	c := conf.WithDefaults()
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating chainflow service", loggingpkg.LogFields{
		"pubsub_system": c.PubSubSystem,
		"config":        c,
	})

	s := &Service{
		Conf:        &c,
		Logger:      log,
		detached:    &sync.WaitGroup{},
		recent:      newRecentResponses(recentResponsesSize),
		usage:       newUsageSampler(),
		httpRouters: make(map[int]chi.Router),
		registerer:  prometheus.DefaultRegisterer,
		gatherer:    prometheus.DefaultGatherer,
	}
	if deps.MetricsRegistry != nil {
		s.registerer = deps.MetricsRegistry
		s.gatherer = deps.MetricsRegistry
	}

	if c.MetricsEnabled {
		s.metrics = NewMetrics(s.registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	cache := deps.Cache
	if cache == nil && c.CacheEnabled {
		theine, err := NewTheineCache(c.CacheSize, c.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("create response cache: %w", err)
		}
		s.ownedCache = theine
		cache = theine
	}

	s.processorDeps = ProcessorDependencies{
		Handlers:                  deps.Handlers,
		Resources:                 deps.Resources,
		FormatError:               deps.FormatError,
		Hooks:                     deps.Hooks,
		StepMiddlewares:           deps.StepMiddlewares,
		DisableDefaultMiddlewares: deps.DisableDefaultStepMiddlewares,
		Cache:                     cache,
		Metrics:                   s.metrics,
		Stats:                     NewStatsRegistry(),
		DetachedObserver:          deps.DetachedObserver,
	}
	if _, err := s.NewProcessor(); err != nil {
		s.closeCache()
		return nil, err
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, &c, wmLogger)
	if err != nil {
		s.closeCache()
		return nil, err
	}
	s.transport = tr
	s.publisher = tr.Publisher
	s.subscriber = tr.Subscriber

	s.capabilities = transportpkg.CapabilitiesOf(factory, &c)
	if err := s.watchDeadLetters(c.MetricsEnabled); err != nil {
		s.abort()
		return nil, err
	}
	if !s.capabilities.SupportsOrdering {
		log.Info("Transport does not preserve publish order; responses of a batch may arrive out of completion order", loggingpkg.LogFields{
			"pubsub_system": c.PubSubSystem,
		})
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		s.abort()
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		s.abort()
		return nil, err
	}

	if c.MetricsEnabled && c.MetricsPort > 0 {
		s.RegisterHTTPHandler(c.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if c.WebUIEnabled {
		s.registerWebUI()
	}

	return s, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// NewProcessor returns a Processor with its own ResultSink that shares the
// service's handlers, resources, cache, hooks, metrics and statistics.
// Fire-and-forget work it launches is awaited by Close.
func (s *Service) NewProcessor() (*Processor, error) {
	return newProcessor(*s.Conf, s.Logger, s.processorDeps, s.detached)
}

// RegisterBatchConsumer consumes BatchEnvelope messages from topic, or from
// Config.BatchTopic when topic is empty. Each batch runs on a fresh
// Processor whose Responses, followed by a BatchCompletion marker, are
// published to Config.ResponseTopic.
func (s *Service) RegisterBatchConsumer(name, topic string) error {
	if topic == "" {
		topic = s.Conf.BatchTopic
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if name == "" {
		name = "chainflow-batches-" + topic
	}

	info := &ConsumerInfo{Name: name, Topic: topic}
	s.consumersMu.Lock()
	s.consumers = append(s.consumers, info)
	s.consumersMu.Unlock()

	s.router.AddNoPublisherHandler(name, topic, s.subscriber, s.batchHandler(info))
	return nil
}

func (s *Service) batchHandler(info *ConsumerInfo) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, err := DecodeBatchMessage(msg)
		if err != nil {
			info.record(err)
			s.Logger.Error("Failed to decode batch message", err, loggingpkg.LogFields{
				"consumer":     info.Name,
				"message_uuid": msg.UUID,
			})
			if s.Conf.PoisonQueue == "" {
				return nil
			}
			return err
		}

		err = s.runBatch(msg.Context(), env)
		info.record(err)
		return err
	}
}

// runBatch returns an error only when forwarding failed, so the message is
// redelivered. Chunk failures are logged by the processor and reported in
// the completion marker.
func (s *Service) runBatch(ctx context.Context, env BatchEnvelope) error {
	logger := s.Logger.With(loggingpkg.LogFields{"envelope_batch_id": env.BatchID})
	forwarder, err := s.newForwarder(env, logger, false)
	if err != nil {
		return err
	}
	detachedForwarder, err := s.newForwarder(env, logger, true)
	if err != nil {
		return err
	}

	deps := s.processorDeps
	deps.DetachedObserver = multiObserver{deps.DetachedObserver, detachedForwarder, s.recent}
	p, err := newProcessor(*s.Conf, logger, deps, s.detached)
	if err != nil {
		return err
	}
	p.Subscribe(forwarder)
	p.Subscribe(s.recent)

	if env.Sync {
		_ = p.ProcessRequestsSync(ctx, env.Requests, env.Headers)
	} else {
		_ = p.ProcessRequests(ctx, env.Requests, env.Headers)
	}
	return forwarder.Err()
}

func (s *Service) newForwarder(env BatchEnvelope, logger loggingpkg.ServiceLogger, skipCompletion bool) (*ResponseForwarder, error) {
	return NewResponseForwarder(ResponseForwarderConfig{
		Publisher:      s.publisher,
		Topic:          s.Conf.ResponseTopic,
		Encoding:       s.Conf.ResponseEncoding,
		BatchID:        env.BatchID,
		Headers:        env.Headers,
		Logger:         logger,
		SkipCompletion: skipCompletion,
	})
}

// PublishBatch publishes env to topic, or to Config.BatchTopic when topic is
// empty, and returns the batch id.
func (s *Service) PublishBatch(topic string, env BatchEnvelope) (string, error) {
	if topic == "" {
		topic = s.Conf.BatchTopic
	}
	if topic == "" {
		return "", errspkg.ErrTopicRequired
	}
	msg, err := NewBatchMessage(env)
	if err != nil {
		return "", err
	}
	if err := s.publisher.Publish(topic, msg); err != nil {
		return "", err
	}
	return msg.Metadata.Get(transport.MetadataBatchID), nil
}

// Start runs the HTTP servers and the router until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Running is closed once the router is running.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops consuming, waits for fire-and-forget work until ctx is done,
// then shuts down the HTTP servers and the transport.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close router: %w", err))
		}
		if err := waitGroup(ctx, s.detached); err != nil {
			errs = append(errs, fmt.Errorf("wait for detached work: %w", err))
		}
		errs = append(errs, s.shutdownHTTPServers(ctx))
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		s.closeCache()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) abort() {
	_ = s.transport.Close()
	s.closeCache()
}

func (s *Service) closeCache() {
	if s.ownedCache != nil {
		s.ownedCache.Close()
	}
}

// Publisher returns the transport publisher.
func (s *Service) Publisher() message.Publisher {
	return s.publisher
}

// Subscriber returns the transport subscriber.
func (s *Service) Subscriber() message.Subscriber {
	return s.subscriber
}

// Capabilities reports what the configured transport guarantees.
func (s *Service) Capabilities() transportpkg.Capabilities {
	return s.capabilities
}

// Stats exposes the per-operation statistics shared by all processors.
func (s *Service) Stats() *StatsRegistry {
	return s.processorDeps.Stats
}

// Metrics returns the Prometheus collectors, or nil when metrics are disabled.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Consumers returns a snapshot of the registered batch consumers.
func (s *Service) Consumers() []ConsumerSnapshot {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	out := make([]ConsumerSnapshot, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c.Snapshot())
	}
	return out
}

// RecentResponses returns the latest Responses produced by batch consumers,
// oldest first.
func (s *Service) RecentResponses() []Response {
	return s.recent.Snapshot()
}

// RegisterHTTPHandler mounts handler on the HTTP server of port. Servers are
// started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()
	s.routerFor(port).Handle(pattern, handler)
}

func (s *Service) routerFor(port int) chi.Router {
	r, ok := s.httpRouters[port]
	if !ok {
		r = chi.NewRouter()
		s.httpRouters[port] = r
	}
	return r
}

func (s *Service) startHTTPServers() {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()

	for port, handler := range s.httpRouters {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.httpServers = append(s.httpServers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) shutdownHTTPServers(ctx context.Context) error {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()

	var errs []error
	for _, srv := range s.httpServers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	s.httpServers = nil
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// multiObserver fans out to every non-nil observer.
type multiObserver []Observer

func (m multiObserver) OnNext(resp Response) {
	for _, o := range m {
		if o != nil {
			o.OnNext(resp)
		}
	}
}

func (m multiObserver) OnError(err error) {
	for _, o := range m {
		if o != nil {
			o.OnError(err)
		}
	}
}

func (m multiObserver) OnCompleted() {
	for _, o := range m {
		if o != nil {
			o.OnCompleted()
		}
	}
}

// recentResponses keeps the last n Responses it observed.
type recentResponses struct {
	mu    sync.Mutex
	items []Response
	next  int
	full  bool
}

func newRecentResponses(n int) *recentResponses {
	return &recentResponses{items: make([]Response, n)}
}

func (r *recentResponses) OnNext(resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = resp
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

func (r *recentResponses) OnError(error) {}

func (r *recentResponses) OnCompleted() {}

func (r *recentResponses) Snapshot() []Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Response(nil), r.items[:r.next]...)
	}
	out := make([]Response, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}
