// Package metrics provides backend-neutral metrics interfaces so the client can be
// instrumented with Prometheus (see adapters/prometheus) or anything else
// without importing a metrics library itself.
package metrics

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	// Add adds delta to the gauge. delta can be negative.
	Add(delta float64)
}

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time:
//
//	defer m.CommandDuration("GET", "single").ObserveDuration()
type Timer interface {
	ObserveDuration()
}
