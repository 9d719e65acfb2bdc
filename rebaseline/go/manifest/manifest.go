// Package manifest parses the checksum manifests written by the rendering
// test harness.
//
// A manifest looks like this:
//
//	{
//	  "header": {"type": "ChecksummedImages", "revision": 1},
//	  "actual-results": {
//	    "failed": {
//	      "aaclip_8888.png": ["bitmap-64bitMD5", 12345]
//	    },
//	    "succeeded": {
//	      "blur_gpu.png": ["bitmap-64bitMD5", "abcdef"]
//	    }
//	  }
//	}
package manifest

import (
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"sort"

	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/rebaseline/go/types"
)

const (
	// HEADER_TYPE and HEADER_REVISION are the only header values understood.
	HEADER_TYPE     = "ChecksummedImages"
	HEADER_REVISION = 1

	CATEGORY_FAILED          = "failed"
	CATEGORY_FAILURE_IGNORED = "failure-ignored"
	CATEGORY_NO_COMPARISON   = "no-comparison"
	CATEGORY_SUCCEEDED       = "succeeded"
)

var (
	// ErrHeaderMismatch means the manifest declares a schema this package does
	// not understand. The whole manifest is rejected.
	ErrHeaderMismatch = errors.New("manifest header mismatch")

	// ErrShapeMismatch means one entry of a manifest is malformed. Only that
	// entry is skipped.
	ErrShapeMismatch = errors.New("malformed manifest entry")

	categories = map[string]bool{
		CATEGORY_FAILED:          true,
		CATEGORY_FAILURE_IGNORED: true,
		CATEGORY_NO_COMPARISON:   true,
		CATEGORY_SUCCEEDED:       true,
	}

	// The test name may contain underscores, so split at the last one.
	imageNameRegex = regexp.MustCompile(`^(.+)_([^_]+)\.png$`)
)

// Header is the schema declaration at the top of every manifest.
type Header struct {
	Type     string `json:"type"`
	Revision int    `json:"revision"`
}

func (h Header) validate() error {
	if h.Type != HEADER_TYPE || h.Revision != HEADER_REVISION {
		return skerr.Wrapf(ErrHeaderMismatch, "got type %q revision %d, want %q revision %d", h.Type, h.Revision, HEADER_TYPE, HEADER_REVISION)
	}
	return nil
}

// Key identifies one comparable unit within a manifest.
type Key struct {
	Test   types.TestName
	Config string
}

// Result is one entry of a manifest.
type Result struct {
	Key
	Category string
	Checksum types.Checksum
}

// Manifest is a parsed manifest. It is not modified after parsing.
type Manifest struct {
	Header  Header
	Results map[Key]Result
}

// Checksum returns the checksum recorded for the key, or nil.
func (m *Manifest) Checksum(k Key) *types.Checksum {
	if m == nil {
		return nil
	}
	r, ok := m.Results[k]
	if !ok {
		return nil
	}
	c := r.Checksum
	return &c
}

// Keys returns the keys of all results.
func (m *Manifest) Keys() []Key {
	if m == nil {
		return nil
	}
	ret := make([]Key, 0, len(m.Results))
	for k := range m.Results {
		ret = append(ret, k)
	}
	return ret
}

// SplitImageName splits "<test>_<config>.png" into test and config.
func SplitImageName(name string) (types.TestName, string, error) {
	m := imageNameRegex.FindStringSubmatch(name)
	if m == nil {
		return "", "", skerr.Wrapf(ErrShapeMismatch, "image name %q does not match <test>_<config>.png", name)
	}
	return types.TestName(m[1]), m[2], nil
}

type rawManifest struct {
	Header        *Header                               `json:"header"`
	ActualResults map[string]map[string]json.RawMessage `json:"actual-results"`
}

// Parse reads a manifest from r.
//
// Malformed entries are skipped and returned in the slice of errors, each
// wrapping ErrShapeMismatch. If the header is missing or not understood the
// error wraps ErrHeaderMismatch and no manifest is returned.
func Parse(r io.Reader) (*Manifest, []error, error) {
	raw := rawManifest{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, nil, skerr.Wrapf(err, "could not parse manifest JSON")
	}
	if raw.Header == nil {
		return nil, nil, skerr.Wrapf(ErrHeaderMismatch, "manifest has no header")
	}
	if err := raw.Header.validate(); err != nil {
		return nil, nil, err
	}

	ret := &Manifest{
		Header:  *raw.Header,
		Results: map[Key]Result{},
	}
	var errs []error
	// Sorted so duplicates are resolved the same way every time.
	cats := make([]string, 0, len(raw.ActualResults))
	for cat := range raw.ActualResults {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		if !categories[cat] {
			errs = append(errs, skerr.Wrapf(ErrShapeMismatch, "unknown result category %q", cat))
			continue
		}
		entries := raw.ActualResults[cat]
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			test, config, err := SplitImageName(name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			var c types.Checksum
			if err := json.Unmarshal(entries[name], &c); err != nil {
				errs = append(errs, skerr.Wrapf(ErrShapeMismatch, "entry %s/%s: %s", cat, name, err))
				continue
			}
			k := Key{Test: test, Config: config}
			if prev, ok := ret.Results[k]; ok {
				errs = append(errs, skerr.Wrapf(ErrShapeMismatch, "%s listed in both %q and %q", name, prev.Category, cat))
				continue
			}
			ret.Results[k] = Result{Key: k, Category: cat, Checksum: c}
		}
	}
	return ret, errs, nil
}
