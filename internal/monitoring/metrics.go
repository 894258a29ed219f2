package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/resilience"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "serp"

// Metrics holds the Prometheus collectors for enrichment. It satisfies the
// telemetry hooks of the resolver and the recovery scanner.
type Metrics struct {
	ResolutionsTotal *prometheus.CounterVec
	FetchSeconds     *prometheus.HistogramVec
	RequeuedTotal    prometheus.Counter
	Records          *prometheus.GaugeVec
	APICostUSDTotal  prometheus.Counter
	CircuitState     prometheus.Gauge
}

// NewMetrics creates and registers the metrics on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ResolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "resolutions_total",
				Help:      "Keyword resolutions by outcome",
			},
			[]string{"outcome"},
		),
		FetchSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: MetricsNamespace,
				Name:      "fetch_seconds",
				Help:      "Latency of remote SERP requests",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"result"},
		),
		RequeuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "recovery_requeued_total",
				Help:      "Stale processing records returned to pending",
			},
		),
		Records: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: MetricsNamespace,
				Name:      "records",
				Help:      "Records per group and status at the last collection",
			},
			[]string{"group", "status"},
		),
		APICostUSDTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "api_cost_usd_total",
				Help:      "Estimated SERP API spend in USD",
			},
		),
		CircuitState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: MetricsNamespace,
				Name:      "circuit_state",
				Help:      "Remote API circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
		),
	}
}

// ObserveResolution counts one resolver outcome.
func (m *Metrics) ObserveResolution(outcome string) {
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records the latency of one remote request.
func (m *Metrics) ObserveFetch(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = string(resilience.Classify(err))
	}
	m.FetchSeconds.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveRequeued counts records requeued by the recovery scanner.
func (m *Metrics) ObserveRequeued(n int) {
	m.RequeuedTotal.Add(float64(n))
}

// ObserveCost adds estimated spend.
func (m *Metrics) ObserveCost(usd float64) {
	if usd > 0 {
		m.APICostUSDTotal.Add(usd)
	}
}

// SetRecordCounts publishes per-status record counts for one group.
func (m *Metrics) SetRecordCounts(group string, s *model.Statistics) {
	for _, st := range model.Statuses {
		m.Records.WithLabelValues(group, string(st)).Set(float64(s.Count(st)))
	}
}

// SetCircuitState publishes the breaker state. It fits
// CircuitBreakerConfig.OnStateChange.
func (m *Metrics) SetCircuitState(_, to resilience.CircuitState) {
	m.CircuitState.Set(float64(to))
}
