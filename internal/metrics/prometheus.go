package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives every observation the collector aggregates. Implementations
// must tolerate concurrent calls.
type Recorder interface {
	ObserveEntryProcessed(result string, d time.Duration)
	ObserveCheck(name, status string, d time.Duration)
	IncForgeRequest(outcome string)
	IncEventIngested(source string)
	IncProcessorError(queue string)
	SetQueueSize(queue string, n int)
	SetRateLimitRemaining(n int)
}

// PrometheusRecorder implements Recorder on a Prometheus registry.
type PrometheusRecorder struct {
	registry *prom.Registry

	entriesProcessed *prom.CounterVec
	checksTotal      *prom.CounterVec
	forgeRequests    *prom.CounterVec
	eventsIngested   *prom.CounterVec
	processorErrors  *prom.CounterVec

	entryDuration prom.Histogram
	checkDuration *prom.HistogramVec

	queueSize          *prom.GaugeVec
	rateLimitRemaining prom.Gauge
}

// NewPrometheusRecorder constructs and registers the metric families. A nil
// registry gets a fresh one (tests).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &PrometheusRecorder{
		registry: reg,
		entriesProcessed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "imq",
			Name:      "entries_processed_total",
			Help:      "Queue entries processed by terminal result",
		}, []string{"result"}),
		checksTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "imq",
			Name:      "checks_total",
			Help:      "Check executions by check name and terminal status",
		}, []string{"check", "status"}),
		forgeRequests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "imq",
			Name:      "forge_requests_total",
			Help:      "Forge API requests by outcome",
		}, []string{"outcome"}),
		eventsIngested: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "imq",
			Name:      "events_ingested_total",
			Help:      "Normalized ingress events by source",
		}, []string{"source"}),
		processorErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "imq",
			Name:      "processor_errors_total",
			Help:      "Pipeline errors outside an entry's own failure",
		}, []string{"queue"}),
		entryDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "imq",
			Name:      "entry_processing_seconds",
			Help:      "End-to-end entry pipeline duration",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		}),
		checkDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "imq",
			Name:      "check_duration_seconds",
			Help:      "Individual check execution duration",
			Buckets:   prom.ExponentialBuckets(0.5, 2, 12),
		}, []string{"check"}),
		queueSize: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "imq",
			Name:      "queue_size",
			Help:      "Live entries per queue",
		}, []string{"queue"}),
		rateLimitRemaining: prom.NewGauge(prom.GaugeOpts{
			Namespace: "imq",
			Name:      "forge_rate_limit_remaining",
			Help:      "Last observed Forge rate-limit remaining",
		}),
	}

	reg.MustRegister(
		r.entriesProcessed, r.checksTotal, r.forgeRequests, r.eventsIngested,
		r.processorErrors, r.entryDuration, r.checkDuration, r.queueSize,
		r.rateLimitRemaining,
	)
	return r
}

func (r *PrometheusRecorder) ObserveEntryProcessed(result string, d time.Duration) {
	r.entriesProcessed.WithLabelValues(result).Inc()
	r.entryDuration.Observe(d.Seconds())
}

func (r *PrometheusRecorder) ObserveCheck(name, status string, d time.Duration) {
	r.checksTotal.WithLabelValues(name, status).Inc()
	r.checkDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (r *PrometheusRecorder) IncForgeRequest(outcome string) {
	r.forgeRequests.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) IncEventIngested(source string) {
	r.eventsIngested.WithLabelValues(source).Inc()
}

func (r *PrometheusRecorder) IncProcessorError(queue string) {
	r.processorErrors.WithLabelValues(queue).Inc()
}

func (r *PrometheusRecorder) SetQueueSize(queue string, n int) {
	r.queueSize.WithLabelValues(queue).Set(float64(n))
}

func (r *PrometheusRecorder) SetRateLimitRemaining(n int) {
	r.rateLimitRemaining.Set(float64(n))
}

// Handler returns the /metrics HTTP handler for this recorder's registry.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
