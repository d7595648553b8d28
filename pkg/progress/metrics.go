package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blobmover/pkg/models"
)

const metricsNamespace = "blobmover"

// Metrics exports transfer telemetry to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	objects      *prometheus.CounterVec
	bytes        prometheus.Counter
	copyDuration *prometheus.HistogramVec
	deletions    *prometheus.CounterVec
	inFlight     prometheus.Gauge
}

// NewMetrics registers the transfer collectors on reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		objects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "objects_total",
			Help:      "Objects processed, by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "moved_bytes_total",
			Help:      "Source bytes of objects uploaded to the destination.",
		}),
		copyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "copy_duration_seconds",
			Help:      "Copy tool run time, by direction.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"direction", "result"}),
		deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "source_deletions_total",
			Help:      "Source delete decisions, by result.",
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being transferred.",
		}),
	}

	m.objects = register(reg, m.objects)
	m.bytes = register(reg, m.bytes)
	m.copyDuration = register(reg, m.copyDuration)
	m.deletions = register(reg, m.deletions)
	m.inFlight = register(reg, m.inFlight)
	if m.objects == nil || m.bytes == nil || m.copyDuration == nil || m.deletions == nil || m.inFlight == nil {
		return nil, fmt.Errorf("register transfer metrics: conflicting collector already registered")
	}
	return m, nil
}

// register returns the collector that ends up registered, reusing an existing
// identical one. It returns the zero value when registration fails otherwise.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	var zero C
	return zero
}

// JobStarted marks a job as in flight
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// JobFinished records a job's outcome and releases its in-flight slot
func (m *Metrics) JobFinished(outcome models.TransferOutcome) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.objects.WithLabelValues(string(outcome.Status)).Inc()
	if outcome.Status == models.OutcomeCompleted {
		m.bytes.Add(float64(outcome.Size))
	}
}

// CopyFinished records one copy tool run
func (m *Metrics) CopyFinished(direction string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.copyDuration.WithLabelValues(direction, result).Observe(duration.Seconds())
}

// Deletion records a source delete decision: deleted, kept, failed
func (m *Metrics) Deletion(result string) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(result).Inc()
}
