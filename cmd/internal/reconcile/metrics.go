package reconcile

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the reconciler's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	outcomes  *prometheus.CounterVec
	batchSize prometheus.Histogram
	duration  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
// Collectors already registered under the same names are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offpay",
			Subsystem: "reconcile",
			Name:      "outcomes_total",
			Help:      "Reconciled batch elements by status and reason.",
		}, []string{"status", "reason"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "offpay",
			Subsystem: "reconcile",
			Name:      "batch_size",
			Help:      "Number of elements per reconcile batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "offpay",
			Subsystem: "reconcile",
			Name:      "batch_duration_seconds",
			Help:      "Wall time to reconcile one batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.outcomes, err = register(reg, m.outcomes); err != nil {
		return nil, err
	}
	if m.batchSize, err = register(reg, m.batchSize); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeBatch(size int, took time.Duration) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) observeOutcome(o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(o.Status), string(o.Reason)).Inc()
}
