// Package metrics holds the Prometheus collectors for session, upgrade and
// route monitoring activity, and the HTTP exporter that serves them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/newtron-network/newtops/pkg/util"
)

const namespace = "newtops"

// Registry is the registry every newtops collector is registered with.
var Registry = prometheus.NewRegistry()

var (
	// Session metrics
	sessionOpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opens_total",
			Help:      "Total number of device session opens by result",
		},
		[]string{"result"},
	)

	sessionOpenDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "open_duration_seconds",
			Help:      "Duration of device session opens in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	sessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "live",
			Help:      "Number of device sessions currently open",
		},
	)

	// Upgrade metrics
	upgradeJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "jobs_total",
			Help:      "Total number of upgrade jobs by terminal state and reason",
		},
		[]string{"state", "reason"},
	)

	upgradeJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "job_duration_seconds",
			Help:      "Duration of upgrade jobs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"state"},
	)

	upgradeStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "step_duration_seconds",
			Help:      "Duration of upgrade state machine steps in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		},
		[]string{"state", "result"},
	)

	upgradeJobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "jobs_active",
			Help:      "Number of upgrade jobs currently running",
		},
	)

	// Route monitor metrics
	routeCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routemon",
			Name:      "cycles_total",
			Help:      "Total number of monitoring cycles by result",
		},
		[]string{"result"},
	)

	routeChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routemon",
			Name:      "changes_total",
			Help:      "Total number of route changes by device, table and kind",
		},
		[]string{"device", "table", "kind"},
	)

	routeEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routemon",
			Name:      "entries",
			Help:      "Routes in the latest snapshot by device, table and protocol",
		},
		[]string{"device", "table", "protocol"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		sessionOpensTotal,
		sessionOpenDuration,
		sessionsLive,
		upgradeJobsTotal,
		upgradeJobDuration,
		upgradeStepDuration,
		upgradeJobsActive,
		routeCyclesTotal,
		routeChangesTotal,
		routeEntries,
	)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordSessionOpen records one session open attempt.
func RecordSessionOpen(err error, d time.Duration) {
	sessionOpensTotal.WithLabelValues(result(err)).Inc()
	sessionOpenDuration.Observe(d.Seconds())
}

// SetSessionsLive records the number of registered sessions.
func SetSessionsLive(n int) {
	sessionsLive.Set(float64(n))
}

// RecordUpgradeJob records a terminal upgrade job.
func RecordUpgradeJob(state, reason string, d time.Duration) {
	upgradeJobsTotal.WithLabelValues(state, reason).Inc()
	upgradeJobDuration.WithLabelValues(state).Observe(d.Seconds())
}

// RecordUpgradeStep records one state machine step.
func RecordUpgradeStep(state string, err error, d time.Duration) {
	upgradeStepDuration.WithLabelValues(state, result(err)).Observe(d.Seconds())
}

// UpgradeJobStarted increments the active job gauge; call the returned func when the job ends.
func UpgradeJobStarted() func() {
	upgradeJobsActive.Inc()
	return upgradeJobsActive.Dec
}

// RecordRouteCycle records a completed monitoring cycle.
func RecordRouteCycle(failures int) {
	if failures > 0 {
		routeCyclesTotal.WithLabelValues("partial").Inc()
		return
	}
	routeCyclesTotal.WithLabelValues("success").Inc()
}

// RecordRouteDelta records added, removed and flapped counts for one device table.
func RecordRouteDelta(deviceID, table string, added, removed, flapped int) {
	routeChangesTotal.WithLabelValues(deviceID, table, "added").Add(float64(added))
	routeChangesTotal.WithLabelValues(deviceID, table, "removed").Add(float64(removed))
	routeChangesTotal.WithLabelValues(deviceID, table, "flapped").Add(float64(flapped))
}

// SetRouteEntries records per-protocol route counts for one device table.
func SetRouteEntries(deviceID, table string, byProtocol map[string]int) {
	for proto, n := range byProtocol {
		routeEntries.WithLabelValues(deviceID, table, proto).Set(float64(n))
	}
}

// Handler returns the HTTP handler for the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.Infof("Serving metrics on %s/metrics", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
