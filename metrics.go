package fetchpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fetchpool"

type metrics struct {
	inFlight prometheus.Gauge
	results  *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(registerer prometheus.Registerer, engine *Engine) (*metrics, error) {
	m := &metrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_in_flight",
			Help:      "Number of requests currently in flight",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "results_total",
			Help:      "Number of targets resolved, by outcome and error kind",
		}, []string{"outcome", "kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent fetching a single target",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	waiting := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "waiting_targets",
			Help:      "Number of submitted targets waiting for a free slot",
		},
		func() float64 {
			return float64(engine.WaitingTargets())
		})

	peak := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "peak_requests_in_flight",
			Help:      "Highest number of simultaneous requests observed",
		},
		func() float64 {
			return float64(engine.PeakRunningRequests())
		})

	for _, collector := range []prometheus.Collector{m.inFlight, m.results, m.duration, waiting, peak} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *metrics) requestStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *metrics) requestFinished(result Result) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.duration.Observe(result.Duration.Seconds())
}

func (m *metrics) resultRecorded(result Result) {
	if m == nil {
		return
	}
	kind := ""
	if result.Err != nil {
		kind = result.Err.Kind.String()
	}
	m.results.WithLabelValues(result.Outcome.String(), kind).Inc()
}
