package metrics

type nopGauge struct{}

func (nopGauge) Set(float64) {}
func (nopGauge) Inc()        {}
func (nopGauge) Dec()        {}
func (nopGauge) Add(float64) {}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopGauge returns a Gauge that discards all values.
func NopGauge() Gauge { return nopGauge{} }

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
