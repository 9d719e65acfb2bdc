// Package config contains the configuration of the rebaseline server and
// the code to load it.
package config

import (
	"io"
	"reflect"

	"github.com/flynn/json5"

	"go.skia.org/rebaseline/go/config"
	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/util"
)

// ServerConfig configures both the comparison and the server that shows it.
type ServerConfig struct {
	// Directory where images, diffs and the diff record database live.
	StorageRoot string `json:"storage_root"`

	// The two sets being compared. Each is a directory of per-builder
	// manifests, or the path of one tiled summary if Tiled is set.
	SetA string `json:"set_a"`
	SetB string `json:"set_b"`

	// Human readable descriptions of the sets, e.g. "expected" and "actual".
	SetADescription string `json:"set_a_description"`
	SetBDescription string `json:"set_b_description"`

	// Base URLs the images of each set are fetched and served from. http(s),
	// gs:// and file:// URLs and local directories are supported. For tiled
	// summaries these default to the summary's image-base-gs-url.
	ImageBaseURLA string `json:"image_base_url_a" optional:"true"`
	ImageBaseURLB string `json:"image_base_url_b" optional:"true"`

	// Base URL the storage root's diff images are served from. Defaults to
	// the server's own /img/ handler.
	DiffBaseURL string `json:"diff_base_url" optional:"true"`

	// If set, SetA and SetB are tiled summaries rather than manifest
	// directories.
	Tiled bool `json:"tiled"`

	// Sizes of the diff worker pool, its queue and the decoded image cache.
	// Zero selects the default.
	NumDiffWorkers int `json:"num_diff_workers" optional:"true"`
	DiffQueueSize  int `json:"diff_queue_size" optional:"true"`
	ImageCacheSize int `json:"image_cache_size" optional:"true"`

	// How long a report request waits for pending diffs.
	ReportTimeout config.Duration `json:"report_timeout" optional:"true"`

	// Don't keep diff records across restarts.
	NoPersist bool `json:"no_persist"`

	// Access gs:// URLs without credentials.
	GCSAnonymous bool `json:"gcs_anonymous"`

	// HTTP address of the server, e.g. ":8000".
	Port string `json:"port"`

	// HTTP address for Prometheus metrics, e.g. ":20000".
	PromPort string `json:"prom_port" optional:"true"`

	// If running locally (not in production).
	Local bool `json:"local"`
}

// LoadFromJSON5 decodes the JSON5 files at paths, in order, into dst. Later
// files override values of earlier ones. dst must be a pointer to a struct
// with "json" struct tags for all fields.
//
// An error is returned if any non-struct, non-bool field is its zero value
// after loading, *unless* it is tagged with `optional:"true"`.
func LoadFromJSON5(dst interface{}, paths ...string) error {
	// Elem() dereferences a pointer or panics.
	rType := reflect.TypeOf(dst).Elem()
	if rType.Kind() != reflect.Struct {
		return skerr.Fmt("Input must be a pointer to a struct, got %T", dst)
	}
	for _, p := range paths {
		err := util.WithReadFile(p, func(r io.Reader) error {
			return json5.NewDecoder(r).Decode(dst)
		})
		if err != nil {
			return skerr.Wrapf(err, "reading config at %s", p)
		}
	}
	return checkRequired(reflect.Indirect(reflect.ValueOf(dst)))
}

// checkRequired returns an error if any non-struct, non-bool fields of the
// given value have a zero value *unless* they have an optional tag with value
// true.
func checkRequired(rValue reflect.Value) error {
	rType := rValue.Type()
	for i := 0; i < rValue.NumField(); i++ {
		field := rType.Field(i)
		if field.Tag.Get("optional") == "true" {
			continue
		}
		if field.Type.Kind() == reflect.Struct {
			if err := checkRequired(rValue.Field(i)); err != nil {
				return err
			}
			continue
		}
		if field.Type.Kind() == reflect.Bool {
			// Requiring a bool would require it to be true.
			continue
		}
		if field.Tag.Get("json") == "" {
			// e.g. config.Duration.Duration
			continue
		}
		if rValue.Field(i).IsZero() {
			return skerr.Fmt("Required %s to be non-zero", field.Name)
		}
	}
	return nil
}
