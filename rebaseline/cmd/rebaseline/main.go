// rebaseline compares two sets of rendered results, computes pixel diffs of
// the images that changed and either prints a summary or serves the reports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/hako/durafmt"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"go.skia.org/rebaseline/go/common"
	"go.skia.org/rebaseline/go/gcs"
	"go.skia.org/rebaseline/go/httputils"
	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/go/urfavecli"
	"go.skia.org/rebaseline/go/util"
	"go.skia.org/rebaseline/rebaseline/go/classifier"
	"go.skia.org/rebaseline/rebaseline/go/config"
	"go.skia.org/rebaseline/rebaseline/go/diffcache"
	"go.skia.org/rebaseline/rebaseline/go/expstorage"
	"go.skia.org/rebaseline/rebaseline/go/imgsource"
	"go.skia.org/rebaseline/rebaseline/go/manifest"
	"go.skia.org/rebaseline/rebaseline/go/paircollection"
	"go.skia.org/rebaseline/rebaseline/go/types"
	"go.skia.org/rebaseline/rebaseline/go/web"
)

const (
	appName = "rebaseline"

	// The file the expectation edits are written to, relative to the storage
	// root, unless --expectations is given.
	defaultExpectationsFile = "expectations.json"
)

// serveFlags are the command line flags of the serve command.
type serveFlags struct {
	Port         string
	PromPort     string
	Expectations string
}

func (flags *serveFlags) AsCliFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Destination: &flags.Port,
			Name:        "port",
			Usage:       "HTTP service address (e.g., ':8000'). Overrides the config.",
		},
		&cli.StringFlag{
			Destination: &flags.PromPort,
			Name:        "prom_port",
			Usage:       "Metrics service address (e.g., ':20000'). Overrides the config.",
		},
		&cli.StringFlag{
			Destination: &flags.Expectations,
			Name:        "expectations",
			Usage:       "JSON file the expectation edits are stored in. Defaults to a file in the storage root.",
		},
	}
}

// compareFlags are the command line flags of the compare command.
type compareFlags struct {
	Output       string
	FailuresOnly bool
}

func (flags *compareFlags) AsCliFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Destination: &flags.Output,
			Name:        "output",
			Usage:       "If set, the report is written to this file as JSON.",
		},
		&cli.BoolFlag{
			Destination: &flags.FailuresOnly,
			Name:        "failures_only",
			Usage:       "Only write the pairs that did not succeed to --output.",
		},
	}
}

func main() {
	var sFlags serveFlags
	var cFlags compareFlags
	cliApp := &cli.App{
		Name:  appName,
		Usage: "Compare two sets of rendered results and show the pixel differences.",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "config",
				Usage:    "JSON5 config files, later files override earlier ones.",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Serve the reports and accept expectation edits.",
				Description: "Compares the two sets once at startup, then serves the results while the diffs are computed.",
				Flags:       (&sFlags).AsCliFlags(),
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c.StringSlice("config"))
					if err != nil {
						return err
					}
					applyServeFlags(cfg, &sFlags)
					common.InitWithMust(appName, common.PrometheusOpt(cfg.PromPort))
					urfavecli.LogFlags(c)
					return serve(c.Context, cfg, sFlags.Expectations)
				},
			},
			{
				Name:        "compare",
				Usage:       "Compare the two sets and print a summary.",
				Description: "Compares the two sets, waits for every diff and prints per result type counts.",
				Flags:       (&cFlags).AsCliFlags(),
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c.StringSlice("config"))
					if err != nil {
						return err
					}
					urfavecli.LogFlags(c)
					return compare(c.Context, cfg, &cFlags, os.Stdout)
				},
			},
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		sklog.Fatal(err)
	}
}

// loadConfig loads the config files in order.
func loadConfig(paths []string) (*config.ServerConfig, error) {
	var cfg config.ServerConfig
	if err := config.LoadFromJSON5(&cfg, paths...); err != nil {
		return nil, skerr.Wrapf(err, "loading config from %q", paths)
	}
	return &cfg, nil
}

func applyServeFlags(cfg *config.ServerConfig, flags *serveFlags) {
	if flags.Port != "" {
		cfg.Port = flags.Port
	}
	if flags.PromPort != "" {
		cfg.PromPort = flags.PromPort
	}
}

// gcsFactory returns a factory of GCS clients that share one storage client.
// The storage client is only created once a gs:// URL is fetched, so
// configurations that never touch GCS need no credentials.
func gcsFactory(ctx context.Context, anonymous bool) imgsource.GCSClientFactory {
	var once sync.Once
	var storageClient *storage.Client
	var initErr error
	return func(bucket string) (gcs.GCSClient, error) {
		once.Do(func() {
			var opt option.ClientOption
			if anonymous {
				opt = option.WithoutAuthentication()
			} else {
				ts, err := google.DefaultTokenSource(ctx, storage.ScopeReadOnly)
				if err != nil {
					initErr = skerr.Wrapf(err, "getting token source")
					return
				}
				opt = option.WithHTTPClient(httputils.DefaultClientConfig().WithTokenSource(ts).Client())
			}
			storageClient, initErr = storage.NewClient(ctx, opt)
		})
		if initErr != nil {
			return nil, skerr.Wrapf(initErr, "creating storage client")
		}
		return gcs.NewGCSClient(storageClient, bucket), nil
	}
}

// newDiffCache opens the DiffCache of the storage root named in cfg.
func newDiffCache(ctx context.Context, cfg *config.ServerConfig) (*diffcache.DiffCache, error) {
	source := imgsource.New(nil, gcsFactory(ctx, cfg.GCSAnonymous))
	dc, err := diffcache.New(cfg.StorageRoot, source, diffcache.Options{
		NumWorkers:     cfg.NumDiffWorkers,
		QueueSize:      cfg.DiffQueueSize,
		ImageCacheSize: cfg.ImageCacheSize,
		NoPersist:      cfg.NoPersist,
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "opening diff cache in %s", cfg.StorageRoot)
	}
	return dc, nil
}

// compareSets loads both sets named in cfg and classifies them. Diffs of the
// failed pairs are started on dc but not waited for.
func compareSets(ctx context.Context, cfg *config.ServerConfig, dc *diffcache.DiffCache, defaultDiffBaseURL string) (*classifier.Results, error) {
	diffBaseURL := cfg.DiffBaseURL
	if diffBaseURL == "" {
		diffBaseURL = defaultDiffBaseURL
	}
	c := classifier.New(dc, classifier.Options{
		DescriptionA: cfg.SetADescription,
		DescriptionB: cfg.SetBDescription,
		BaseURLA:     cfg.ImageBaseURLA,
		BaseURLB:     cfg.ImageBaseURLB,
		DiffBaseURL:  diffBaseURL,
	})

	if cfg.Tiled {
		a, err := manifest.LoadTiledFile(cfg.SetA)
		if err != nil {
			return nil, err
		}
		b, err := manifest.LoadTiledFile(cfg.SetB)
		if err != nil {
			return nil, err
		}
		return c.CompareTiled(ctx, a, b)
	}

	if cfg.ImageBaseURLA == "" || cfg.ImageBaseURLB == "" {
		return nil, skerr.Fmt("image_base_url_a and image_base_url_b are required unless tiled is set")
	}
	a, err := manifest.LoadDir(ctx, cfg.SetA)
	if err != nil {
		return nil, err
	}
	b, err := manifest.LoadDir(ctx, cfg.SetB)
	if err != nil {
		return nil, err
	}
	return c.Compare(ctx, a, b)
}

func serve(ctx context.Context, cfg *config.ServerConfig, expectationsPath string) error {
	dc, err := newDiffCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer util.Close(dc)

	results, err := compareSets(ctx, cfg, dc, strings.TrimSuffix(web.IMG_PREFIX, "/"))
	if err != nil {
		return err
	}

	if expectationsPath == "" {
		expectationsPath = filepath.Join(cfg.StorageRoot, defaultExpectationsFile)
	}
	store, err := expstorage.NewFileStore(expectationsPath)
	if err != nil {
		return err
	}

	srv := web.NewServer(results, cfg.StorageRoot, store, cfg.ReportTimeout.Duration)
	sklog.Infof("Ready to serve on %s", cfg.Port)
	return http.ListenAndServe(cfg.Port, srv.Handler())
}

func compare(ctx context.Context, cfg *config.ServerConfig, flags *compareFlags, w io.Writer) error {
	dc, err := newDiffCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer util.Close(dc)

	start := time.Now()
	results, err := compareSets(ctx, cfg, dc, dc.StorageRoot())
	if err != nil {
		return err
	}
	dc.Wait()
	sklog.Infof("Compared and diffed in %s", durafmt.Parse(time.Since(start)))

	if flags.Output != "" {
		pc := results.All
		if flags.FailuresOnly {
			pc = results.Failures
		}
		if err := writeReport(ctx, pc, flags.Output); err != nil {
			return err
		}
	}
	return printSummary(w, results)
}

func writeReport(ctx context.Context, pc *paircollection.PairCollection, path string) error {
	report, err := pc.ToReport(ctx, nil)
	if err != nil {
		return err
	}
	return util.WithWriteFile(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	})
}

// printSummary writes one table row per result type with the number of pairs
// in the "all" and "failures" collections, followed by the skipped units and
// the warnings.
func printSummary(w io.Writer, r *classifier.Results) error {
	all := r.All.Summary()
	failures := r.Failures.Summary()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Result", "All", "Failures"})
	for _, rt := range types.AllResultTypes {
		table.Append([]string{string(rt), fmt.Sprint(all[rt]), fmt.Sprint(failures[rt])})
	}
	table.SetFooter([]string{"Total", fmt.Sprint(r.All.Len()), fmt.Sprint(r.Failures.Len())})
	table.Render()

	if _, err := fmt.Fprintf(w, "Skipped: %d\n", len(r.Skipped)); err != nil {
		return skerr.Wrap(err)
	}
	for _, warning := range r.Warnings {
		if _, err := fmt.Fprintf(w, "Warning: %s\n", warning); err != nil {
			return skerr.Wrap(err)
		}
	}
	return nil
}
