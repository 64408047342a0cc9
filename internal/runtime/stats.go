package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// OperationStats aggregates step executions of one operation.
type OperationStats struct {
	mu sync.Mutex `json:"-"`

	Operation           string    `json:"operation"`
	StepsExecuted       uint64    `json:"steps_executed"`
	StepsFailed         uint64    `json:"steps_failed"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastExecutedAt      time.Time `json:"last_executed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS    float64 `json:"current_rps"`
	WindowSeconds float64 `json:"window_seconds"`
	StepsInWindow uint64  `json:"steps_in_window"`
	TotalSteps    uint64  `json:"total_steps"`
}

// ErrorBreakdown counts failures by the phase they happened in.
type ErrorBreakdown struct {
	Resolve     uint64 `json:"resolve"`
	Setup       uint64 `json:"setup"`
	Authorize   uint64 `json:"authorize"`
	Execute     uint64 `json:"execute"`
	Materialize uint64 `json:"materialize"`
	Cancelled   uint64 `json:"cancelled"`
	Panic       uint64 `json:"panic"`
	Other       uint64 `json:"other"`
	LastError   string `json:"last_error,omitempty"`
}

func newOperationStats(operation string) *OperationStats {
	return &OperationStats{
		Operation:        operation,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *OperationStats) onStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.InFlight++
	if s.InFlight > s.MaxInFlight {
		s.MaxInFlight = s.InFlight
	}
}

func (s *OperationStats) onFinish(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InFlight > 0 {
		s.InFlight--
	}
	s.StepsExecuted++
	if err != nil {
		s.StepsFailed++
	}
	s.TotalProcessingTime += int64(duration)
	s.LastExecutedAt = time.Now().UTC()

	s.latencyWindow.Add(duration)
	latency := s.latencyWindow.Snapshot()
	latency.AverageNs = s.TotalProcessingTime / int64(s.StepsExecuted)
	s.Latency = latency

	tp := s.throughputWindow.AddAndSnapshot(time.Now())
	s.Throughput.CurrentRPS = tp.CurrentRPS
	s.Throughput.WindowSeconds = tp.WindowSeconds
	s.Throughput.StepsInWindow = uint64(tp.Count)
	s.Throughput.TotalSteps = s.StepsExecuted

	s.Errors.Record(err)
}

func (s *OperationStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type Alias OperationStats
	return jsoncodec.Marshal((*Alias)(s))
}

// Record counts err under its phase. A nil err is ignored.
func (e *ErrorBreakdown) Record(err error) {
	if err == nil {
		return
	}
	switch classifyPhase(err) {
	case PhaseResolve:
		e.Resolve++
	case PhaseSetup:
		e.Setup++
	case PhaseAuthorize:
		e.Authorize++
	case PhaseExecute:
		e.Execute++
	case PhaseMaterialize:
		e.Materialize++
	case PhaseCancelled:
		e.Cancelled++
	case PhasePanic:
		e.Panic++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

func classifyPhase(err error) Phase {
	if phase := stepPhase(err); phase != "" {
		return phase
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return PhaseCancelled
	}
	return ""
}

// StatsRegistry holds one OperationStats per operation.
type StatsRegistry struct {
	mu    sync.RWMutex
	stats map[string]*OperationStats
}

// NewStatsRegistry returns an empty registry.
func NewStatsRegistry() *StatsRegistry {
	return &StatsRegistry{stats: make(map[string]*OperationStats)}
}

// For returns the stats of operation, creating them on first use.
func (r *StatsRegistry) For(operation string) *OperationStats {
	r.mu.RLock()
	s, ok := r.stats[operation]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[operation]; ok {
		return s
	}
	s = newOperationStats(operation)
	r.stats[operation] = s
	return s
}

// All returns every OperationStats sorted by operation.
func (r *StatsRegistry) All() []*OperationStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*OperationStats, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
