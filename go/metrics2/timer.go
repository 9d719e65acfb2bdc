package metrics2

import (
	"time"

	"go.skia.org/rebaseline/go/util"
)

// Timer is a struct used for measuring elapsed time. Unlike the other metrics
// helpers, Timer does not continuously report data; instead, it reports a
// single data point when Stop() is called.
type Timer interface {
	// Start starts or resets the timer.
	Start()
	// Stop stops the timer, records the elapsed time in milliseconds in the
	// summary and returns the elapsed time.
	Stop() time.Duration
}

type timer struct {
	begin   time.Time
	summary Float64SummaryMetric
}

func newTimer(c Client, name string, tagsList ...map[string]string) Timer {
	tags := util.AddParams(map[string]string{}, tagsList...)
	tags["type"] = "timer"
	t := &timer{
		summary: c.GetFloat64SummaryMetric(name+"_ms", tags),
	}
	t.Start()
	return t
}

func (t *timer) Start() {
	t.begin = time.Now()
}

func (t *timer) Stop() time.Duration {
	elapsed := time.Since(t.begin)
	t.summary.Observe(float64(elapsed) / float64(time.Millisecond))
	return elapsed
}
