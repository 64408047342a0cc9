package runtime

import (
	goruntime "runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// ProcessUsage is a coarse sample of the process for the /api/runtime
// document.
type ProcessUsage struct {
	// CPUPercent is averaged over all CPUs since the previous sample and is
	// zero on the first one.
	CPUPercent float64   `json:"cpu_percent"`
	HeapBytes  uint64    `json:"heap_bytes"`
	Goroutines int       `json:"goroutines"`
	GOMAXPROCS int       `json:"gomaxprocs"`
	SampledAt  time.Time `json:"sampled_at"`
}

type usageSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newUsageSampler() *usageSampler {
	return &usageSampler{
		samples: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU:  float64(goruntime.NumCPU()),
	}
}

func (u *usageSampler) Sample() ProcessUsage {
	if u == nil {
		return ProcessUsage{}
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.samples) == 0 {
		u.samples = []metrics.Sample{{Name: cpuSecondsMetric}}
	}
	metrics.Read(u.samples)
	value := u.samples[0].Value
	haveCPU := value.Kind() == metrics.KindFloat64
	now := time.Now()

	var cpuPercent float64
	if haveCPU {
		cpuSeconds := value.Float64()
		if !u.lastSample.IsZero() && u.numCPU > 0 {
			if wall := now.Sub(u.lastSample).Seconds(); wall > 0 {
				cpuPercent = (cpuSeconds - u.lastCPUSeconds) / wall / u.numCPU * 100
			}
		}
		u.lastCPUSeconds = cpuSeconds
	}
	u.lastSample = now

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)

	return ProcessUsage{
		CPUPercent: cpuPercent,
		HeapBytes:  mem.HeapAlloc,
		Goroutines: goruntime.NumGoroutine(),
		GOMAXPROCS: goruntime.GOMAXPROCS(0),
		SampledAt:  now,
	}
}

// ProcessUsage samples CPU, heap and goroutines of the process.
func (s *Service) ProcessUsage() ProcessUsage {
	return s.usage.Sample()
}
