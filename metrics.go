package authjwt

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports verifier and fetcher counters to Prometheus. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	verifications *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	handleBuilds  prometheus.Counter
	fetchDuration prometheus.Histogram
}

// NewMetrics builds the collectors and registers them on reg. Collectors
// already registered by an earlier call are reused. A nil reg leaves the
// collectors unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authjwt_verifications_total",
			Help: "Token verifications by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authjwt_jwks_refreshes_total",
			Help: "JWKS downloads by result.",
		}, []string{"result"}),
		handleBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authjwt_handle_builds_total",
			Help: "Remote key set handles built.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authjwt_jwks_fetch_seconds",
			Help:    "JWKS download latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.verifications, err = register(reg, m.verifications); err != nil {
		return nil, err
	}
	if m.refreshes, err = register(reg, m.refreshes); err != nil {
		return nil, err
	}
	if m.handleBuilds, err = register(reg, m.handleBuilds); err != nil {
		return nil, err
	}
	if m.fetchDuration, err = register(reg, m.fetchDuration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeVerification(err error) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeFetch(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
	m.refreshes.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeHandleBuild() {
	if m == nil {
		return
	}
	m.handleBuilds.Inc()
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Reason != "" {
			return string(e.Reason)
		}
		return string(e.Code)
	}
	return "error"
}
