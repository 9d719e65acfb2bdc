package metrics2

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/go/util"
)

var (
	// invalidChar is used to force metric and tag names to conform to Prometheus's restrictions.
	invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")
)

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// promInt64 implements the Int64Metric and Counter interfaces.
type promInt64 struct {
	// i tracks the value of the gauge, because prometheus client lib doesn't
	// support get on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&m.i)
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&m.i, v)
	m.gauge.Set(float64(v))
}

func (m *promInt64) Inc(i int64) {
	m.gauge.Set(float64(atomic.AddInt64(&m.i, i)))
}

func (m *promInt64) Dec(i int64) {
	m.gauge.Set(float64(atomic.AddInt64(&m.i, -i)))
}

func (m *promInt64) Reset() {
	m.Update(0)
}

// promFloat64 implements the Float64Metric interface.
type promFloat64 struct {
	mutex sync.Mutex
	f     float64
	gauge prometheus.Gauge
}

func (m *promFloat64) Get() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.f
}

func (m *promFloat64) Update(v float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.f = v
	m.gauge.Set(v)
}

// promFloat64Summary implements the Float64SummaryMetric interface.
type promFloat64Summary struct {
	summary prometheus.Observer
}

func (m *promFloat64Summary) Observe(v float64) {
	m.summary.Observe(v)
}

// promClient implements the Client interface.
type promClient struct {
	mutex sync.Mutex

	int64GaugeVecs map[string]*prometheus.GaugeVec
	int64Gauges    map[string]*promInt64

	float64GaugeVecs map[string]*prometheus.GaugeVec
	float64Gauges    map[string]*promFloat64

	float64SummaryVecs map[string]*prometheus.SummaryVec
	float64Summaries   map[string]*promFloat64Summary
}

func newPromClient() *promClient {
	return &promClient{
		int64GaugeVecs:     map[string]*prometheus.GaugeVec{},
		int64Gauges:        map[string]*promInt64{},
		float64GaugeVecs:   map[string]*prometheus.GaugeVec{},
		float64Gauges:      map[string]*promFloat64{},
		float64SummaryVecs: map[string]*prometheus.SummaryVec{},
		float64Summaries:   map[string]*promFloat64Summary{},
	}
}

// commonGet does a lot of the common work for each of the Get* funcs.
//
// It returns:
//
//	measurement - A clean measurement name.
//	cleanTags   - A clean set of tags.
//	keys        - A slice of the keys of cleanTags, sorted.
//	metricKey   - A name to uniquely identify the metric.
//	vecKey      - A name to uniquely identify the collection of metrics.
func (p *promClient) commonGet(measurement string, tags ...map[string]string) (string, map[string]string, []string, string, string) {
	measurement = clean(measurement)
	rawTags := util.AddParams(map[string]string{}, tags...)

	cleanTags := map[string]string{}
	keys := []string{}
	for k, v := range rawTags {
		key := clean(k)
		cleanTags[key] = v
		keys = append(keys, key)
	}
	sort.Strings(keys)

	metricKeySrc := []string{measurement}
	for _, key := range keys {
		metricKeySrc = append(metricKeySrc, key, cleanTags[key])
	}
	metricKey := strings.Join(metricKeySrc, "-")
	vecKey := fmt.Sprintf("%s %v", measurement, keys)
	return measurement, cleanTags, keys, metricKey, vecKey
}

// gaugeVec must be called with p.mutex held.
func (p *promClient) gaugeVec(vecs map[string]*prometheus.GaugeVec, measurement, vecKey string, keys []string) *prometheus.GaugeVec {
	if gaugeVec, ok := vecs[vecKey]; ok {
		return gaugeVec
	}
	gaugeVec := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: measurement,
			Help: measurement,
		},
		keys,
	)
	if err := prometheus.Register(gaugeVec); err != nil {
		sklog.Fatalf("Failed to register %q: %s", measurement, err)
	}
	vecs[vecKey] = gaugeVec
	return gaugeVec
}

func (p *promClient) getInt64(name string, tags ...map[string]string) *promInt64 {
	measurement, cleanTags, keys, metricKey, vecKey := p.commonGet(name, tags...)
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if ret, ok := p.int64Gauges[metricKey]; ok {
		return ret
	}
	gauge, err := p.gaugeVec(p.int64GaugeVecs, measurement, vecKey, keys).GetMetricWith(prometheus.Labels(cleanTags))
	if err != nil {
		sklog.Fatalf("Failed to get gauge: %s", err)
	}
	ret := &promInt64{gauge: gauge}
	p.int64Gauges[metricKey] = ret
	return ret
}

func (p *promClient) GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	return p.getInt64(name, tags...)
}

func (p *promClient) GetCounter(name string, tags ...map[string]string) Counter {
	return p.getInt64(name, tags...)
}

func (p *promClient) GetFloat64Metric(name string, tags ...map[string]string) Float64Metric {
	measurement, cleanTags, keys, metricKey, vecKey := p.commonGet(name, tags...)
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if ret, ok := p.float64Gauges[metricKey]; ok {
		return ret
	}
	gauge, err := p.gaugeVec(p.float64GaugeVecs, measurement, vecKey, keys).GetMetricWith(prometheus.Labels(cleanTags))
	if err != nil {
		sklog.Fatalf("Failed to get gauge: %s", err)
	}
	ret := &promFloat64{gauge: gauge}
	p.float64Gauges[metricKey] = ret
	return ret
}

func (p *promClient) GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric {
	measurement, cleanTags, keys, metricKey, vecKey := p.commonGet(name, tags...)
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if ret, ok := p.float64Summaries[metricKey]; ok {
		return ret
	}
	summaryVec, ok := p.float64SummaryVecs[vecKey]
	if !ok {
		summaryVec = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       measurement,
				Help:       measurement,
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			keys,
		)
		if err := prometheus.Register(summaryVec); err != nil {
			sklog.Fatalf("Failed to register %q %v: %s", measurement, cleanTags, err)
		}
		p.float64SummaryVecs[vecKey] = summaryVec
	}
	summary, err := summaryVec.GetMetricWith(prometheus.Labels(cleanTags))
	if err != nil {
		sklog.Fatalf("Failed to get summary: %s", err)
	}
	ret := &promFloat64Summary{summary: summary}
	p.float64Summaries[metricKey] = ret
	return ret
}

func (p *promClient) NewTimer(name string, tags ...map[string]string) Timer {
	return newTimer(p, name, tags...)
}

// Validate that the concrete structs faithfully implement their respective interfaces.
var _ Int64Metric = (*promInt64)(nil)
var _ Counter = (*promInt64)(nil)
var _ Float64Metric = (*promFloat64)(nil)
var _ Float64SummaryMetric = (*promFloat64Summary)(nil)
var _ Client = (*promClient)(nil)
