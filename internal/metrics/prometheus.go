// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dockwall.dev/dockwall/internal/logging"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics.
type Registry struct {
	// Reconciliation metrics
	ReconcileCycles     *prometheus.CounterVec
	CompileDuration     prometheus.Histogram
	ApplyDuration       prometheus.Histogram
	LastSuccessfulApply prometheus.Gauge
	RulesetRules        prometheus.Gauge

	// Runtime metrics
	ContainersTracked prometheus.Gauge
	NetworksTracked   prometheus.Gauge
	StreamReconnects  prometheus.Counter

	// Config metrics
	PolicyReloads *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.ReconcileCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockwall_reconcile_cycles_total",
		Help: "Reconciliation cycles by result",
	}, []string{"result"})

	r.CompileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockwall_compile_duration_seconds",
		Help:    "Time spent compiling policy into a ruleset",
		Buckets: prometheus.DefBuckets,
	})

	r.ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockwall_apply_duration_seconds",
		Help:    "Time spent applying a ruleset to the kernel",
		Buckets: prometheus.DefBuckets,
	})

	r.LastSuccessfulApply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockwall_last_successful_apply_timestamp",
		Help: "Unix timestamp of the last successful apply",
	})

	r.RulesetRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockwall_ruleset_rules",
		Help: "Number of rules in the currently applied ruleset",
	})

	r.ContainersTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockwall_containers_tracked",
		Help: "Containers in the current runtime snapshot",
	})

	r.NetworksTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockwall_networks_tracked",
		Help: "Networks in the current runtime snapshot",
	})

	r.StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockwall_event_stream_reconnects_total",
		Help: "Reconnects to the container runtime event stream",
	})

	r.PolicyReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockwall_policy_reloads_total",
		Help: "Policy reloads by result",
	}, []string{"result"})

	return r
}

// Serve exposes /metrics on addr. It blocks until the server fails; run it
// in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logging.WithComponent("metrics").Info("metrics endpoint listening", "addr", addr)
	return srv.ListenAndServe()
}
