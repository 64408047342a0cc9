package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/transport"
)

// ErrDeadLettersUnsupported is returned by the dead letter operations of a
// Service whose transport keeps no dead letter store.
var ErrDeadLettersUnsupported = errors.New("chainflow: transport has no dead letter store")

// DeadLetterMetrics tracks batch messages a transport gave up on. Methods are
// safe on a nil *DeadLetterMetrics.
type DeadLetterMetrics struct {
	mu     sync.Mutex
	topics map[string]*DeadLetterTopicStats

	movedTotal    *prometheus.CounterVec
	current       *prometheus.GaugeVec
	replayedTotal *prometheus.CounterVec
	purgedTotal   *prometheus.CounterVec
	age           *prometheus.HistogramVec
	retries       *prometheus.HistogramVec
}

// DeadLetterTopicStats are the counters of one topic.
type DeadLetterTopicStats struct {
	Moved         uint64    `json:"moved"`
	Current       uint64    `json:"current"`
	Replayed      uint64    `json:"replayed"`
	Purged        uint64    `json:"purged"`
	AvgRetryCount float64   `json:"avg_retry_count"`
	LastMovedAt   time.Time `json:"last_moved_at,omitzero"`
}

// DeadLetterSnapshot is a point-in-time copy of DeadLetterMetrics.
type DeadLetterSnapshot struct {
	Current     uint64                          `json:"current"`
	Topics      map[string]DeadLetterTopicStats `json:"topics"`
	CollectedAt time.Time                       `json:"collected_at"`
}

func newDeadLetterCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "dead_letters",
		Name:      name,
		Help:      help,
	}, []string{"topic"})
}

func newDeadLetterHistogramVec(name, help string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "dead_letters",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, []string{"topic"})
}

// NewDeadLetterMetrics creates the collectors. They are exported only after
// Register.
func NewDeadLetterMetrics() *DeadLetterMetrics {
	return &DeadLetterMetrics{
		topics:        make(map[string]*DeadLetterTopicStats),
		movedTotal:    newDeadLetterCounterVec("moved_total", "Batch messages moved to the dead letter store"),
		replayedTotal: newDeadLetterCounterVec("replayed_total", "Dead letters moved back to their topic"),
		purgedTotal:   newDeadLetterCounterVec("purged_total", "Dead letters deleted"),
		current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dead_letters",
			Name:      "current",
			Help:      "Dead letters currently stored",
		}, []string{"topic"}),
		age:     newDeadLetterHistogramVec("age_seconds", "Time between first publish and dead-lettering", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}),
		retries: newDeadLetterHistogramVec("retry_count", "Deliveries retried before dead-lettering", []float64{1, 2, 3, 5, 10, 20}),
	}
}

// Register adds the collectors to registerer. Already registered collectors
// are not an error.
func (m *DeadLetterMetrics) Register(registerer prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.movedTotal, m.current, m.replayedTotal, m.purgedTotal, m.age, m.retries} {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

// Observe records a dead-lettered message. It has the signature expected by
// transport.DeadLetterNotifier.
func (m *DeadLetterMetrics) Observe(dl transport.DeadLetter) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.topic(dl.Topic)
	stats.Moved++
	stats.Current++
	stats.AvgRetryCount += (float64(dl.RetryCount) - stats.AvgRetryCount) / float64(stats.Moved)
	stats.LastMovedAt = time.Now()
	current := stats.Current
	m.mu.Unlock()

	m.movedTotal.WithLabelValues(dl.Topic).Inc()
	m.current.WithLabelValues(dl.Topic).Set(float64(current))
	m.age.WithLabelValues(dl.Topic).Observe(dl.Age.Seconds())
	m.retries.WithLabelValues(dl.Topic).Observe(float64(dl.RetryCount))
}

// Replayed records n dead letters moved back to topic.
func (m *DeadLetterMetrics) Replayed(topic string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	stats := m.topic(topic)
	stats.Replayed += uint64(n)
	stats.Current = subtractFloor(stats.Current, uint64(n))
	current := stats.Current
	m.mu.Unlock()

	m.replayedTotal.WithLabelValues(topic).Add(float64(n))
	m.current.WithLabelValues(topic).Set(float64(current))
}

// Purged records n dead letters of topic deleted.
func (m *DeadLetterMetrics) Purged(topic string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	stats := m.topic(topic)
	stats.Purged += uint64(n)
	stats.Current = subtractFloor(stats.Current, uint64(n))
	current := stats.Current
	m.mu.Unlock()

	m.purgedTotal.WithLabelValues(topic).Add(float64(n))
	m.current.WithLabelValues(topic).Set(float64(current))
}

// SetCurrent overwrites the stored count of topic, e.g. with the count read
// from the store at startup.
func (m *DeadLetterMetrics) SetCurrent(topic string, count uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.topic(topic).Current = count
	m.mu.Unlock()
	m.current.WithLabelValues(topic).Set(float64(count))
}

// Snapshot copies the per-topic counters.
func (m *DeadLetterMetrics) Snapshot() DeadLetterSnapshot {
	snap := DeadLetterSnapshot{
		Topics:      make(map[string]DeadLetterTopicStats),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snap
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, stats := range m.topics {
		snap.Topics[name] = *stats
		snap.Current += stats.Current
	}
	return snap
}

func (m *DeadLetterMetrics) topic(name string) *DeadLetterTopicStats {
	stats, ok := m.topics[name]
	if !ok {
		stats = &DeadLetterTopicStats{}
		m.topics[name] = stats
	}
	return stats
}

func subtractFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// deadLetterTopic defaults topic to the batch topic.
func (s *Service) deadLetterTopic(topic string) string {
	if topic == "" {
		return s.Conf.BatchTopic
	}
	return topic
}

func (s *Service) dlqManager() (transport.DLQManager, error) {
	m, ok := s.subscriber.(transport.DLQManager)
	if !ok {
		return nil, ErrDeadLettersUnsupported
	}
	return m, nil
}

// DeadLetterMetrics returns the dead letter counters, or nil when the
// transport keeps no dead letter store.
func (s *Service) DeadLetterMetrics() *DeadLetterMetrics {
	return s.deadLetters
}

// ListDeadLetters returns dead letters of topic, newest first. An empty topic
// selects Config.BatchTopic.
func (s *Service) ListDeadLetters(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	lister, ok := s.subscriber.(transport.DLQLister)
	if !ok {
		return nil, ErrDeadLettersUnsupported
	}
	if limit <= 0 {
		limit = 50
	}
	return lister.ListDLQMessages(s.deadLetterTopic(topic), limit, offset)
}

// ReplayDeadLetter moves one dead letter of topic back to its topic.
func (s *Service) ReplayDeadLetter(topic string, id int64) error {
	m, err := s.dlqManager()
	if err != nil {
		return err
	}
	topic = s.deadLetterTopic(topic)
	if err := m.ReplayDLQMessage(id); err != nil {
		return fmt.Errorf("replay dead letter %d: %w", id, err)
	}
	s.deadLetters.Replayed(topic, 1)
	s.Logger.Info("Replayed dead letter", loggingpkg.LogFields{"topic": topic, "id": id})
	return nil
}

// ReplayDeadLetters moves every dead letter of topic back and returns how
// many were replayed.
func (s *Service) ReplayDeadLetters(topic string) (int64, error) {
	m, err := s.dlqManager()
	if err != nil {
		return 0, err
	}
	topic = s.deadLetterTopic(topic)
	n, err := m.ReplayAllDLQ(topic)
	if err != nil {
		return 0, fmt.Errorf("replay dead letters of %s: %w", topic, err)
	}
	s.deadLetters.Replayed(topic, n)
	s.Logger.Info("Replayed dead letters", loggingpkg.LogFields{"topic": topic, "count": n})
	return n, nil
}

// PurgeDeadLetters deletes every dead letter of topic and returns how many
// were deleted.
func (s *Service) PurgeDeadLetters(topic string) (int64, error) {
	m, err := s.dlqManager()
	if err != nil {
		return 0, err
	}
	topic = s.deadLetterTopic(topic)
	n, err := m.PurgeDLQ(topic)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters of %s: %w", topic, err)
	}
	s.deadLetters.Purged(topic, n)
	s.Logger.Info("Purged dead letters", loggingpkg.LogFields{"topic": topic, "count": n})
	return n, nil
}

// watchDeadLetters hooks the dead letter counters into a transport that
// reports dead-lettered messages.
func (s *Service) watchDeadLetters(register bool) error {
	notifier, ok := s.subscriber.(transport.DeadLetterNotifier)
	if !ok {
		return nil
	}
	s.deadLetters = NewDeadLetterMetrics()
	if register {
		if err := s.deadLetters.Register(s.registerer); err != nil {
			return fmt.Errorf("register dead letter metrics: %w", err)
		}
	}
	if m, ok := s.subscriber.(transport.DLQManager); ok && s.Conf.BatchTopic != "" {
		if count, err := m.GetDLQCount(s.Conf.BatchTopic); err == nil {
			s.deadLetters.SetCurrent(s.Conf.BatchTopic, uint64(count))
		}
	}
	notifier.OnDeadLetter(s.deadLetters.Observe)
	return nil
}
