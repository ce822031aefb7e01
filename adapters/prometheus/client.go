package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cachemir/clustermir/pkg/client"
	"github.com/cachemir/clustermir/pkg/metrics"
)

// clientMetrics implements client.Metrics using Prometheus.
type clientMetrics struct {
	commandDuration  *prometheus.HistogramVec
	commandErrors    *prometheus.CounterVec
	redirections     *prometheus.CounterVec
	topologyRefresh  *prometheus.CounterVec
	scanCursorsAlive prometheus.Gauge
}

// NewClientMetrics creates the client metrics and registers them with reg.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	c, err := client.New(cfg, client.WithMetrics(promadapter.NewClientMetrics(reg)))
func NewClientMetrics(reg prometheus.Registerer) client.Metrics {
	m := &clientMetrics{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clustermir_client_command_duration_seconds",
			Help:    "Latency of logical commands in seconds",
			Buckets: defaultBuckets,
		}, []string{"command", "shape"}),

		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustermir_client_command_errors_total",
			Help: "Total number of failed logical commands",
		}, []string{"command", "kind"}),

		redirections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustermir_client_redirections_total",
			Help: "Total number of MOVED and ASK replies",
		}, []string{"kind"}),

		topologyRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustermir_client_topology_refreshes_total",
			Help: "Total number of topology refresh attempts",
		}, []string{"result"}),

		scanCursorsAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clustermir_client_scan_cursors_active",
			Help: "Number of scan cursors not yet finished or released",
		}),
	}

	reg.MustRegister(
		m.commandDuration,
		m.commandErrors,
		m.redirections,
		m.topologyRefresh,
		m.scanCursorsAlive,
	)

	return m
}

func (m *clientMetrics) CommandDuration(command, shape string) metrics.Timer {
	return newTimer(m.commandDuration.WithLabelValues(command, shape))
}

func (m *clientMetrics) CommandError(command, kind string) {
	m.commandErrors.WithLabelValues(command, kind).Inc()
}

func (m *clientMetrics) Redirection(kind string) {
	m.redirections.WithLabelValues(kind).Inc()
}

func (m *clientMetrics) TopologyRefresh(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.topologyRefresh.WithLabelValues(result).Inc()
}

func (m *clientMetrics) ScanCursors() metrics.Gauge {
	return m.scanCursorsAlive
}
