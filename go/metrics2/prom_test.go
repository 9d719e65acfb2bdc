package metrics2

import (
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	assert "github.com/stretchr/testify/require"
	"go.skia.org/rebaseline/go/testutils/unittest"
	"go.skia.org/rebaseline/go/util"
)

func TestClean(t *testing.T) {
	unittest.SmallTest(t)
	assert.Equal(t, "a_b_c", clean("a.b-c"))
}

func getPromClient() *promClient {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	return newPromClient()
}

func get(t *testing.T, metric string) string {
	req := httptest.NewRequest("GET", "/metrics", nil)
	rw := httptest.NewRecorder()
	promhttp.HandlerFor(prometheus.DefaultRegisterer.(*prometheus.Registry), promhttp.HandlerOpts{
		ErrorHandling:      promhttp.PanicOnError,
		DisableCompression: true,
	}).ServeHTTP(rw, req)
	resp := rw.Result()
	defer util.Close(resp.Body)
	b, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	for _, s := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(s, metric+" ") {
			return strings.Split(s, " ")[1]
		}
	}
	return ""
}

func TestInt64(t *testing.T) {
	unittest.SmallTest(t)
	c := getPromClient()
	check := func(m Int64Metric, metric string, expect int64) {
		actual, err := strconv.ParseInt(get(t, metric), 10, 64)
		assert.NoError(t, err)
		assert.Equal(t, expect, actual)
		assert.Equal(t, expect, m.Get())
	}
	g := c.GetInt64Metric("a.b", map[string]string{"some_key": "some-value"})
	assert.NotNil(t, c.int64GaugeVecs["a_b [some_key]"])
	assert.NotNil(t, c.int64Gauges["a_b-some_key-some-value"])
	check(g, `a_b{some_key="some-value"}`, 0)

	g.Update(3)
	check(g, `a_b{some_key="some-value"}`, 3)

	g2 := c.GetInt64Metric("a.b", map[string]string{"some_key": "some-new-value"})
	g2.Update(4)
	check(g, `a_b{some_key="some-value"}`, 3)
	check(g2, `a_b{some_key="some-new-value"}`, 4)

	// Asking again returns the same metric.
	g2 = c.GetInt64Metric("a.b", map[string]string{"some_key": "some-new-value"})
	check(g2, `a_b{some_key="some-new-value"}`, 4)
}

func TestCounterSharedAcrossLookups(t *testing.T) {
	unittest.SmallTest(t)
	c := getPromClient()
	c1 := c.GetCounter("diffs_computed")
	c2 := c.GetCounter("diffs_computed")
	c1.Inc(2)
	c2.Inc(3)
	assert.Equal(t, int64(5), c1.Get())
	c2.Dec(1)
	assert.Equal(t, "4", get(t, "diffs_computed"))
	c1.Reset()
	assert.Equal(t, int64(0), c2.Get())
}

func TestTimer(t *testing.T) {
	unittest.SmallTest(t)
	c := getPromClient()
	tm := c.NewTimer("compute", map[string]string{"stage": "diff"})
	assert.True(t, tm.Stop() >= 0)
	assert.Equal(t, "1", get(t, `compute_ms_count{stage="diff",type="timer"}`))
}
