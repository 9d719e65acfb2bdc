// Package common holds the initialization shared by the command line apps.
package common

import (
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.skia.org/rebaseline/go/metrics2"
	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
)

// Opt represents the initialization parameters for a single init service,
// where services are Prometheus, etc.
//
// Some initializations are order dependent and each app may want a different
// subset of them, so each optional piece is encapsulated in its own Opt and
// run in order(). Initialization is split into two phases, preinit() and
// init().
//
// The desired order for all Opts is:
//
//	0 - base
//	3 - prometheus
//
// Construct the Opts that are desired and pass them to common.InitWith():
//
//	common.InitWith(
//		"rebaseline",
//		common.PrometheusOpt(":20000"),
//	)
type Opt interface {
	// order is the sort order that Opts are executed in.
	order() int
	preinit(appName string) error
	init(appName string) error
}

// optSlice is a utility type for sorting Opts by order().
type optSlice []Opt

func (p optSlice) Len() int           { return len(p) }
func (p optSlice) Less(i, j int) bool { return p[i].order() < p[j].order() }
func (p optSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

// baseInitOpt is always added to the Opts passed into InitWith() and always
// runs first.
type baseInitOpt struct{}

func (b *baseInitOpt) preinit(appName string) error {
	sklog.Debugf("%s: base preinit", appName)
	return nil
}

func (b *baseInitOpt) init(appName string) error {
	// Use all cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	sklog.Infof("Starting %s as %d:%d", appName, os.Getuid(), os.Getgid())
	return nil
}

func (b *baseInitOpt) order() int {
	return 0
}

// promInitOpt implements Opt for Prometheus.
type promInitOpt struct {
	port    string
	started time.Time
}

// PrometheusOpt creates an Opt that serves Prometheus metrics at /metrics on
// the given port when passed to InitWith(). An empty port disables serving;
// the metrics are still collected.
func PrometheusOpt(port string) Opt {
	return &promInitOpt{
		port: port,
	}
}

// MetricsHandler returns the handler that serves the Prometheus metrics.
func MetricsHandler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (o *promInitOpt) preinit(appName string) error {
	o.started = time.Now()
	if o.port == "" {
		return nil
	}
	go func() {
		sklog.Infof("Serving metrics on %s", o.port)
		if err := http.ListenAndServe(o.port, MetricsHandler()); err != nil {
			sklog.Errorf("Metrics server stopped: %s", err)
		}
	}()
	return nil
}

func (o *promInitOpt) init(appName string) error {
	// App uptime, refreshed in the background.
	uptime := metrics2.GetInt64Metric("uptime_s", map[string]string{"app": appName})
	go func() {
		for range time.Tick(time.Minute) {
			uptime.Update(int64(time.Since(o.started).Seconds()))
		}
	}()
	return nil
}

func (o *promInitOpt) order() int {
	return 3
}

// InitWith takes Opt's and initializes each service, where services are
// Prometheus, etc.
func InitWith(appName string, opts ...Opt) error {
	// Add baseInitOpt.
	opts = append(opts, &baseInitOpt{})

	// Sort by order().
	sort.Sort(optSlice(opts))

	// Check for duplicate Opts.
	for i := 0; i < len(opts)-1; i++ {
		if opts[i].order() == opts[i+1].order() {
			return skerr.Fmt("Only one of each type of Opt can be used.")
		}
	}

	for _, o := range opts {
		if err := o.preinit(appName); err != nil {
			return skerr.Wrapf(err, "preinit of %s", appName)
		}
	}
	for _, o := range opts {
		if err := o.init(appName); err != nil {
			return skerr.Wrapf(err, "init of %s", appName)
		}
	}
	sklog.Flush()
	return nil
}

// InitWithMust calls InitWith and fails fatally if an error is encountered.
func InitWithMust(appName string, opts ...Opt) {
	if err := InitWith(appName, opts...); err != nil {
		sklog.Fatalf("Failed to initialize: %s", err)
	}
}
