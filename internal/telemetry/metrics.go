// Package telemetry exposes run metrics as prometheus collectors registered
// on a caller-owned registry.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docstream"

// Fallback invocation outcomes.
const (
	OutcomeSufficient   = "sufficient"
	OutcomeInsufficient = "insufficient"
	OutcomeError        = "error"
	OutcomeUnavailable  = "unavailable"
)

// Recorder records pipeline events. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	registry *prometheus.Registry

	unitsByTier     *prometheus.CounterVec
	unitFailures    prometheus.Counter
	fallbackCalls   *prometheus.CounterVec
	chunkDowngrades prometheus.Counter
	peakMemory      prometheus.Gauge
	runDuration     *prometheus.HistogramVec

	peakMu sync.Mutex
	peak   int64
}

// NewRecorder registers the collectors on registry.
func NewRecorder(registry *prometheus.Registry) *Recorder {
	r := &Recorder{
		registry: registry,
		unitsByTier: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Units completed, by the tier that produced their content.",
		}, []string{"tier"}),
		unitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_failures_total",
			Help:      "Units skipped after an irrecoverable error.",
		}),
		fallbackCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_invocations_total",
			Help:      "Extraction tier invocations, by tier and outcome.",
		}, []string{"tier", "outcome"}),
		chunkDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_downgrades_total",
			Help:      "Groups whose chunk size was reduced to stay within the memory budget.",
		}),
		peakMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peak_accounted_memory_bytes",
			Help:      "Highest accounted memory observed by the stream engine.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of document runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"status"}),
	}
	registry.MustRegister(
		r.unitsByTier,
		r.unitFailures,
		r.fallbackCalls,
		r.chunkDowngrades,
		r.peakMemory,
		r.runDuration,
	)
	return r
}

func (r *Recorder) UnitCompleted(tier string) {
	if r == nil {
		return
	}
	r.unitsByTier.WithLabelValues(tier).Inc()
}

func (r *Recorder) UnitFailed() {
	if r == nil {
		return
	}
	r.unitFailures.Inc()
}

func (r *Recorder) TierInvoked(tier, outcome string) {
	if r == nil {
		return
	}
	r.fallbackCalls.WithLabelValues(tier, outcome).Inc()
}

func (r *Recorder) ChunkDowngraded() {
	if r == nil {
		return
	}
	r.chunkDowngrades.Inc()
}

// ObservePeakMemory raises the peak gauge if bytes exceeds it.
func (r *Recorder) ObservePeakMemory(bytes int64) {
	if r == nil {
		return
	}
	r.peakMu.Lock()
	defer r.peakMu.Unlock()
	if bytes > r.peak {
		r.peak = bytes
		r.peakMemory.Set(float64(bytes))
	}
}

func (r *Recorder) RunFinished(status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.runDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
