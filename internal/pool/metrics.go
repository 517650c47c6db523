package pool

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for launch status and discard phase.
const (
	statusOK     = "ok"
	statusFailed = "failed"

	phaseAcquire = "acquire"
	phaseRelease = "release"
	phaseEvict   = "evict"
	phaseFlush   = "flush"
)

var (
	poolHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_pool_hits_total",
			Help: "Acquisitions served by reusing an idle engine.",
		},
	)

	poolMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_pool_misses_total",
			Help: "Acquisitions that required launching a new engine.",
		},
	)

	poolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_pool_idle_engines",
			Help: "Number of engines currently idle in the pool.",
		},
	)

	engineLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_engine_launches_total",
			Help: "Total engine launch attempts.",
		},
		[]string{"status"},
	)

	engineDiscards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_engine_discards_total",
			Help: "Engines terminated and dropped from the pool.",
		},
		[]string{"phase"},
	)

	launchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_engine_launch_seconds",
			Help:    "Duration of engine launch attempts, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(poolHits)
	prometheus.MustRegister(poolMisses)
	prometheus.MustRegister(poolIdle)
	prometheus.MustRegister(engineLaunches)
	prometheus.MustRegister(engineDiscards)
	prometheus.MustRegister(launchDuration)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	engineLaunches.WithLabelValues(statusOK)
	engineLaunches.WithLabelValues(statusFailed)
	for _, phase := range []string{phaseAcquire, phaseRelease, phaseEvict, phaseFlush} {
		engineDiscards.WithLabelValues(phase)
	}
}

// counter is a lifetime counter mirrored into the Stats snapshot alongside
// the Prometheus metrics.
type counter struct {
	v atomic.Uint64
}

func (c *counter) inc()         { c.v.Add(1) }
func (c *counter) load() uint64 { return c.v.Load() }
