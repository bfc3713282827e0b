// Package metrics provides Prometheus metrics for monitoring FlareSolverr.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/browserpoolgo/flaresolverr-go/internal/browser"
)

var (
	// RequestsTotal counts total requests by command and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flaresolverr_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"command", "status"},
	)

	// RequestDuration tracks request duration by command.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flaresolverr_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~205s
		},
		[]string{"command"},
	)

	// BrowserPoolActive shows the number of live (non-retired) instances.
	BrowserPoolActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_browser_pool_active",
			Help: "Active (non-retired) browser instances in the pool",
		},
	)

	// BrowserPoolRetired shows instances that have been retired but not
	// yet reaped.
	BrowserPoolRetired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_browser_pool_retired",
			Help: "Retired browser instances awaiting kill",
		},
	)

	// BrowserPoolLaunchedTotal counts every instance the pool has ever launched.
	BrowserPoolLaunchedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_browser_pool_launched_total",
			Help: "Total browser instances launched since startup",
		},
	)

	// BrowserPoolKilledTotal counts every instance the pool has ever killed.
	BrowserPoolKilledTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_browser_pool_killed_total",
			Help: "Total browser instances killed since startup",
		},
	)

	// BrowserPoolLaunchErrorsTotal counts failed launch attempts.
	BrowserPoolLaunchErrorsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_browser_pool_launch_errors_total",
			Help: "Total browser launch failures since startup",
		},
	)

	// BrowserPoolPagesOpenedTotal counts pages handed out by the pool.
	BrowserPoolPagesOpenedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_browser_pool_pages_opened_total",
			Help: "Total pages opened through the pool since startup",
		},
	)

	// ActiveSessions shows current active sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flaresolverr_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flaresolverr_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		BrowserPoolActive,
		BrowserPoolRetired,
		BrowserPoolLaunchedTotal,
		BrowserPoolKilledTotal,
		BrowserPoolLaunchErrorsTotal,
		BrowserPoolPagesOpenedTotal,
		ActiveSessions,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

// updateMemoryMetrics updates memory-related metrics.
func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed request.
func RecordRequest(command, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(command, status).Inc()
	RequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// UpdatePoolMetrics snapshots the pool's own counters into the gauges above.
func UpdatePoolMetrics(stats browser.Stats) {
	BrowserPoolActive.Set(float64(stats.Active))
	BrowserPoolRetired.Set(float64(stats.Retired))
	BrowserPoolLaunchedTotal.Set(float64(stats.Launched))
	BrowserPoolKilledTotal.Set(float64(stats.Killed))
	BrowserPoolLaunchErrorsTotal.Set(float64(stats.LaunchErrors))
	BrowserPoolPagesOpenedTotal.Set(float64(stats.PagesOpened))
}

// UpdateSessionMetrics updates session count metric.
func UpdateSessionMetrics(count int) {
	ActiveSessions.Set(float64(count))
}
