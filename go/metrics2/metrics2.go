// Package metrics2 provides counters, gauges, summaries and timers exported to
// Prometheus. Metrics are identified by a name plus a set of tags, and asking
// for the same name and tags twice returns the same metric.
package metrics2

// Int64Metric is a gauge holding an int64.
type Int64Metric interface {
	Get() int64
	Update(v int64)
}

// Float64Metric is a gauge holding a float64.
type Float64Metric interface {
	Get() float64
	Update(v float64)
}

// Float64SummaryMetric accumulates observations into quantiles.
type Float64SummaryMetric interface {
	Observe(v float64)
}

// Counter is a metric that is incremented and decremented.
type Counter interface {
	Get() int64
	Inc(i int64)
	Dec(i int64)
	Reset()
}

// Client creates metrics.
type Client interface {
	GetInt64Metric(name string, tags ...map[string]string) Int64Metric
	GetFloat64Metric(name string, tags ...map[string]string) Float64Metric
	GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric
	GetCounter(name string, tags ...map[string]string) Counter
	NewTimer(name string, tags ...map[string]string) Timer
}

// DefaultClient registers with the default Prometheus registerer.
var DefaultClient Client = newPromClient()

func GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	return DefaultClient.GetInt64Metric(name, tags...)
}

func GetFloat64Metric(name string, tags ...map[string]string) Float64Metric {
	return DefaultClient.GetFloat64Metric(name, tags...)
}

func GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric {
	return DefaultClient.GetFloat64SummaryMetric(name, tags...)
}

func GetCounter(name string, tags ...map[string]string) Counter {
	return DefaultClient.GetCounter(name, tags...)
}

func NewTimer(name string, tags ...map[string]string) Timer {
	return DefaultClient.NewTimer(name, tags...)
}
