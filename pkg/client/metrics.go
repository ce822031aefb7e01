package client

import "github.com/cachemir/clustermir/pkg/metrics"

// Metrics receives client instrumentation. Implementations must be safe for
// concurrent use; see adapters/prometheus for one.
type Metrics interface {
	// CommandDuration times a logical call. shape is "single", "split" or
	// "multi".
	CommandDuration(command, shape string) metrics.Timer
	// CommandError counts a failed logical call by error kind: local,
	// topology, redirect, partial, server or node.
	CommandError(command, kind string)
	// Redirection counts MOVED and ASK replies.
	Redirection(kind string)
	// TopologyRefresh counts refresh attempts.
	TopologyRefresh(ok bool)
	// ScanCursors tracks the number of live scan cursors.
	ScanCursors() metrics.Gauge
}

type nopMetrics struct{}

func (nopMetrics) CommandDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CommandError(string, string)                  {}
func (nopMetrics) Redirection(string)                           {}
func (nopMetrics) TopologyRefresh(bool)                         {}
func (nopMetrics) ScanCursors() metrics.Gauge                   { return metrics.NopGauge() }
