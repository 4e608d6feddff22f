package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	smartnodeMetricsOnce sync.Once
	smartnodeRegistry    *SmartnodeMetrics

	daemonMetricsOnce sync.Once
	daemonRegistry    *SmartnodedMetrics
)

// SmartnodeMetrics wraps collectors tracking the smartnode coordinator.
type SmartnodeMetrics struct {
	records          prometheus.Gauge
	announces        *prometheus.CounterVec
	broadcastLatency prometheus.Histogram
	signFailures     *prometheus.CounterVec
	resolutions      *prometheus.CounterVec
	imports          *prometheus.CounterVec
	subscriptions    *prometheus.CounterVec
	statusPushes     *prometheus.CounterVec
}

// Smartnode exposes the lazily-initialised metrics registry for the coordinator.
func Smartnode() *SmartnodeMetrics {
	smartnodeMetricsOnce.Do(func() {
		smartnodeRegistry = &SmartnodeMetrics{
			records: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnode",
				Name:      "records",
				Help:      "Number of smartnode registrations held by the wallet.",
			}),
			announces: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnode",
				Name:      "announces_total",
				Help:      "Announce broadcasts segmented by outcome (announced, rejected, timeout, error).",
			}, []string{"outcome"}),
			broadcastLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnode",
				Name:      "broadcast_duration_seconds",
				Help:      "Time between submitting an announce and receiving the correlated reply.",
				Buckets:   prometheus.DefBuckets,
			}),
			signFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnode",
				Name:      "sign_failures_total",
				Help:      "Announce signing attempts rejected, by reason.",
			}, []string{"reason"}),
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnode",
				Name:      "collateral_resolutions_total",
				Help:      "Collateral resolution attempts by outcome (resolved, already-resolved, pending).",
			}, []string{"outcome"}),
			imports: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnode",
				Name:      "import_lines_total",
				Help:      "Configuration lines processed by batch import, by outcome.",
			}, []string{"outcome"}),
			subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnode",
				Name:      "subscriptions_total",
				Help:      "Status subscription requests issued, by mode (missing, all).",
			}, []string{"mode"}),
			statusPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnode",
				Name:      "status_pushes_total",
				Help:      "Status notifications applied, by reported status. Dropped pushes use status=dropped.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			smartnodeRegistry.records,
			smartnodeRegistry.announces,
			smartnodeRegistry.broadcastLatency,
			smartnodeRegistry.signFailures,
			smartnodeRegistry.resolutions,
			smartnodeRegistry.imports,
			smartnodeRegistry.subscriptions,
			smartnodeRegistry.statusPushes,
		)
	})
	return smartnodeRegistry
}

// SetRecords updates the registration gauge.
func (m *SmartnodeMetrics) SetRecords(n int) {
	if m == nil {
		return
	}
	m.records.Set(float64(n))
}

// RecordAnnounce counts a finished broadcast and, when the server replied,
// its latency.
func (m *SmartnodeMetrics) RecordAnnounce(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.announces.WithLabelValues(label(outcome)).Inc()
	if d > 0 {
		m.broadcastLatency.Observe(d.Seconds())
	}
}

// RecordSignFailure counts a rejected signing attempt.
func (m *SmartnodeMetrics) RecordSignFailure(reason string) {
	if m == nil {
		return
	}
	m.signFailures.WithLabelValues(label(reason)).Inc()
}

// RecordResolution counts a collateral resolution attempt.
func (m *SmartnodeMetrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(label(outcome)).Inc()
}

// RecordImport counts one processed configuration line.
func (m *SmartnodeMetrics) RecordImport(outcome string) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(label(outcome)).Inc()
}

// RecordSubscriptions counts issued subscribe requests.
func (m *SmartnodeMetrics) RecordSubscriptions(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.subscriptions.WithLabelValues(label(mode)).Add(float64(n))
}

// RecordStatusPush counts an applied or dropped status notification.
func (m *SmartnodeMetrics) RecordStatusPush(status string) {
	if m == nil {
		return
	}
	m.statusPushes.WithLabelValues(label(status)).Inc()
}

// SmartnodedMetrics wraps collectors tracking the daemon's poll loop.
type SmartnodedMetrics struct {
	syncLatency prometheus.Histogram
	syncErrors  *prometheus.CounterVec
	lastSync    prometheus.Gauge
	chainHeight prometheus.Gauge
}

// Smartnoded exposes the metrics registry for the daemon.
func Smartnoded() *SmartnodedMetrics {
	daemonMetricsOnce.Do(func() {
		daemonRegistry = &SmartnodedMetrics{
			syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnoded",
				Name:      "sync_duration_seconds",
				Help:      "Duration of one wallet sync and reconciliation pass.",
				Buckets:   prometheus.DefBuckets,
			}),
			syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnoded",
				Name:      "sync_errors_total",
				Help:      "Failures of the poll loop segmented by stage.",
			}, []string{"stage"}),
			lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnoded",
				Name:      "last_sync_timestamp_seconds",
				Help:      "Unix time of the last completed poll pass.",
			}),
			chainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "smartwallet",
				Subsystem: "smartnoded",
				Name:      "chain_height",
				Help:      "Local chain height reported by the wallet server.",
			}),
		}
		prometheus.MustRegister(
			daemonRegistry.syncLatency,
			daemonRegistry.syncErrors,
			daemonRegistry.lastSync,
			daemonRegistry.chainHeight,
		)
	})
	return daemonRegistry
}

// ObserveSync records a completed poll pass.
func (m *SmartnodedMetrics) ObserveSync(d time.Duration, at time.Time, height int64) {
	if m == nil {
		return
	}
	m.syncLatency.Observe(d.Seconds())
	m.lastSync.Set(float64(at.Unix()))
	m.chainHeight.Set(float64(height))
}

// RecordSyncError increments the error counter for stage.
func (m *SmartnodedMetrics) RecordSyncError(stage string) {
	if m == nil {
		return
	}
	m.syncErrors.WithLabelValues(label(stage)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unspecified"
	}
	return trimmed
}
