package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "chainflow"

	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeCached  = "cached"
)

// Metrics tracks processor statistics and exposes them to Prometheus. All
// methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	mu sync.RWMutex

	counts MetricsSnapshot

	chainsTotal    *prometheus.CounterVec
	chainDuration  *prometheus.HistogramVec
	stepsTotal     *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	droppedTotal   prometheus.Counter
	detachedTotal  prometheus.Counter
	cacheHitsTotal prometheus.Counter
	chunksInFlight prometheus.Gauge
	chunkFailures  prometheus.Counter
	batchesTotal   *prometheus.CounterVec
	registerer     prometheus.Registerer
	registered     bool
}

// MetricsSnapshot is a point-in-time copy of the processor counters.
type MetricsSnapshot struct {
	Batches         uint64    `json:"batches"`
	ChainsSucceeded uint64    `json:"chains_succeeded"`
	ChainsFailed    uint64    `json:"chains_failed"`
	ChainsCached    uint64    `json:"chains_cached"`
	StepsSucceeded  uint64    `json:"steps_succeeded"`
	StepsFailed     uint64    `json:"steps_failed"`
	DroppedRequests uint64    `json:"dropped_requests"`
	DetachedChunks  uint64    `json:"detached_chunks"`
	ChunkFailures   uint64    `json:"chunk_failures"`
	ChunksInFlight  int64     `json:"chunks_in_flight"`
	CollectedAt     time.Time `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	})
}

func newHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		labels,
	)
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:     registerer,
		batchesTotal:   newCounterVec("batches_total", "Total number of request batches processed", []string{"mode"}),
		chainsTotal:    newCounterVec("chains_total", "Total number of chains executed", []string{"outcome"}),
		chainDuration:  newHistogramVec("chain_duration_seconds", "Time spent executing a chain", []string{"outcome"}),
		stepsTotal:     newCounterVec("steps_total", "Total number of steps executed", []string{"operation", "outcome"}),
		stepDuration:   newHistogramVec("step_duration_seconds", "Time spent executing a step", []string{"operation"}),
		droppedTotal:   newCounter("dropped_requests_total", "Requests dropped because their chain was never terminated"),
		detachedTotal:  newCounter("detached_chunks_total", "Chunks handed to a detached fire-and-forget processor"),
		cacheHitsTotal: newCounter("cache_hits_total", "Chains answered from the response cache"),
		chunkFailures:  newCounter("chunk_failures_total", "Chunks that failed outside chain execution"),
		chunksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "chunks_in_flight",
			Help:      "Chunks currently holding a resource",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.batchesTotal,
		m.chainsTotal,
		m.chainDuration,
		m.stepsTotal,
		m.stepDuration,
		m.droppedTotal,
		m.detachedTotal,
		m.cacheHitsTotal,
		m.chunkFailures,
		m.chunksInFlight,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordBatch counts a submitted batch.
func (m *Metrics) RecordBatch(mode string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counts.Batches++
	m.mu.Unlock()
	m.batchesTotal.WithLabelValues(mode).Inc()
}

// RecordChain counts a finished chain.
func (m *Metrics) RecordChain(elapsed time.Duration, failed, cached bool) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	m.mu.Lock()
	switch {
	case failed:
		outcome = outcomeError
		m.counts.ChainsFailed++
	case cached:
		outcome = outcomeCached
		m.counts.ChainsCached++
	default:
		m.counts.ChainsSucceeded++
	}
	m.mu.Unlock()

	m.chainsTotal.WithLabelValues(outcome).Inc()
	m.chainDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if cached {
		m.cacheHitsTotal.Inc()
	}
}

// RecordStep counts a finished step.
func (m *Metrics) RecordStep(operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	m.mu.Lock()
	if err != nil {
		outcome = outcomeError
		m.counts.StepsFailed++
	} else {
		m.counts.StepsSucceeded++
	}
	m.mu.Unlock()

	m.stepsTotal.WithLabelValues(operation, outcome).Inc()
	m.stepDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordDropped counts requests dropped from an unterminated tail.
func (m *Metrics) RecordDropped(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	m.counts.DroppedRequests += uint64(count)
	m.mu.Unlock()
	m.droppedTotal.Add(float64(count))
}

// RecordDetached counts a chunk handed to a detached processor.
func (m *Metrics) RecordDetached() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counts.DetachedChunks++
	m.mu.Unlock()
	m.detachedTotal.Inc()
}

// RecordChunkFailure counts a chunk-level failure.
func (m *Metrics) RecordChunkFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counts.ChunkFailures++
	m.mu.Unlock()
	m.chunkFailures.Inc()
}

// ChunkStarted and ChunkFinished track chunks holding a resource.
func (m *Metrics) ChunkStarted() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counts.ChunksInFlight++
	m.mu.Unlock()
	m.chunksInFlight.Inc()
}

func (m *Metrics) ChunkFinished() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counts.ChunksInFlight--
	m.mu.Unlock()
	m.chunksInFlight.Dec()
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{CollectedAt: time.Now()}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := m.counts
	snapshot.CollectedAt = time.Now()
	return snapshot
}

// Reset clears the counters and the vector collectors (useful for testing).
// Plain counters keep their Prometheus value.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts = MetricsSnapshot{}
	m.batchesTotal.Reset()
	m.chainsTotal.Reset()
	m.chainDuration.Reset()
	m.stepsTotal.Reset()
	m.stepDuration.Reset()
	m.chunksInFlight.Set(0)
}
