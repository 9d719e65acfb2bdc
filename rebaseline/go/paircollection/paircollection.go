// Package paircollection aggregates ImagePairs that share one pair of base
// URLs into a report.
package paircollection

import (
	"context"
	"errors"
	"sync"

	"go.skia.org/rebaseline/go/gcs"
	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/go/util"
	"go.skia.org/rebaseline/rebaseline/go/column"
	"go.skia.org/rebaseline/rebaseline/go/diffcache"
	"go.skia.org/rebaseline/rebaseline/go/imagepair"
	"go.skia.org/rebaseline/rebaseline/go/types"
)

// Keys of the image sets in a report.
const (
	IMAGE_SET_A          = "imageA"
	IMAGE_SET_B          = "imageB"
	IMAGE_SET_DIFFS      = "diffs"
	IMAGE_SET_WHITEDIFFS = "whiteDiffs"
)

// ErrValueMismatch is returned when a pair's base URLs differ from the ones
// the collection was established with.
var ErrValueMismatch = errors.New("image pair base URLs do not match the collection")

// ImageSet describes where one kind of image in a report is served from.
type ImageSet struct {
	Description string `json:"description"`
	BaseURL     string `json:"baseUrl"`
}

// Report is the serialized form of a PairCollection.
type Report struct {
	ExtraColumnHeaders map[string]column.Header  `json:"extraColumnHeaders"`
	ExtraColumnOrder   []string                  `json:"extraColumnOrder"`
	ImagePairs         []*imagepair.Materialized `json:"imagePairs"`
	ImageSets          map[string]ImageSet       `json:"imageSets"`
	// PendingDiffs is the number of pairs whose pixel diff had not finished
	// when the report was built.
	PendingDiffs int `json:"pendingDiffs"`
}

// PairCollection is an ordered set of ImagePairs with per column tallies. It
// is safe for concurrent use.
type PairCollection struct {
	descriptionA string
	descriptionB string
	diffBaseURL  string

	mtx      sync.Mutex
	pairs    []*imagepair.ImagePair
	haveBase bool
	baseURLA string
	baseURLB string
	// tallies is columnID -> value -> count.
	tallies   map[string]map[string]int
	factories map[string]column.HeaderFactory
}

// New returns an empty collection. descriptionA and descriptionB describe the
// two sets being compared. Diff images are served from diffBaseURL.
func New(descriptionA, descriptionB, diffBaseURL string) *PairCollection {
	return &PairCollection{
		descriptionA: descriptionA,
		descriptionB: descriptionB,
		diffBaseURL:  diffBaseURL,
		tallies:      map[string]map[string]int{},
		factories:    map[string]column.HeaderFactory{},
	}
}

// AddImagePair appends p and tallies its columns. The first pair added fixes
// the base URLs of the collection; a later pair with different base URLs is
// rejected with ErrValueMismatch.
func (c *PairCollection) AddImagePair(p *imagepair.ImagePair) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if !c.haveBase {
		c.baseURLA, c.baseURLB, c.haveBase = p.BaseURLA, p.BaseURLB, true
	} else if p.BaseURLA != c.baseURLA || p.BaseURLB != c.baseURLB {
		return skerr.Wrapf(ErrValueMismatch, "got (%q, %q), want (%q, %q)", p.BaseURLA, p.BaseURLB, c.baseURLA, c.baseURLB)
	}
	c.pairs = append(c.pairs, p)
	for col, v := range p.Columns.Values() {
		c.columnTally(col)[v]++
	}
	return nil
}

// columnTally returns the tally of col, creating it if needed. c.mtx must be
// held.
func (c *PairCollection) columnTally(col string) map[string]int {
	t, ok := c.tallies[col]
	if !ok {
		t = map[string]int{}
		c.tallies[col] = t
	}
	return t
}

// EnsureColumnValues registers values for the column with a zero count, so
// the column header lists them even if no pair uses them.
func (c *PairCollection) EnsureColumnValues(columnID string, values []string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	t := c.columnTally(columnID)
	for _, v := range values {
		if _, ok := t[v]; !ok {
			t[v] = 0
		}
	}
}

// SetColumnHeaderFactory sets how the header of a column is shown. Columns
// without a factory get a filterable, sortable header titled with the column
// ID.
func (c *PairCollection) SetColumnHeaderFactory(columnID string, f column.HeaderFactory) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.factories[columnID] = f
}

// Len returns the number of pairs.
func (c *PairCollection) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.pairs)
}

// ImagePairs returns a copy of the pairs in insertion order.
func (c *PairCollection) ImagePairs() []*imagepair.ImagePair {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]*imagepair.ImagePair(nil), c.pairs...)
}

// Summary returns the number of pairs per ResultType. Every ResultType is
// present.
func (c *PairCollection) Summary() map[types.ResultType]int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ret := make(map[types.ResultType]int, len(types.AllResultTypes))
	for _, rt := range types.AllResultTypes {
		ret[rt] = 0
	}
	for v, n := range c.tallies[column.RESULT_TYPE] {
		ret[types.ResultType(v)] += n
	}
	return ret
}

// ToReport serializes the collection. It waits for the pixel diffs of its
// own pairs to finish, so it may block until ctx is done. Diffs still pending
// at that point are left out of the report and counted in PendingDiffs.
//
// columnOrder lists the column IDs in display order. If it is empty the
// columns are sorted by ID. Calling ToReport again without adding pairs
// returns an identical report.
func (c *PairCollection) ToReport(ctx context.Context, columnOrder []string) (*Report, error) {
	c.mtx.Lock()
	pairs := append([]*imagepair.ImagePair(nil), c.pairs...)
	headers := make(map[string]column.Header, len(c.tallies))
	for col, t := range c.tallies {
		f, ok := c.factories[col]
		if !ok {
			f = column.NewHeaderFactory(col)
		}
		headers[col] = f.Create(t)
	}
	baseURLA, baseURLB := c.baseURLA, c.baseURLB
	c.mtx.Unlock()

	if len(columnOrder) == 0 {
		columnOrder = util.SortedKeys(headers)
	} else {
		for _, col := range columnOrder {
			if _, ok := headers[col]; !ok {
				return nil, skerr.Fmt("column %q in column order is unknown", col)
			}
		}
		columnOrder = append([]string(nil), columnOrder...)
	}

	// Materialize after the lock is released; it blocks on pending diffs.
	materialized := make([]*imagepair.Materialized, 0, len(pairs))
	pending := 0
	for _, p := range pairs {
		m := p.Materialize(ctx)
		if m.DiffPending {
			pending++
		}
		materialized = append(materialized, m)
	}
	if pending > 0 {
		sklog.Warningf("Report built with %d of %d pixel diffs still pending", pending, len(pairs))
	}

	return &Report{
		ExtraColumnHeaders: headers,
		ExtraColumnOrder:   columnOrder,
		ImagePairs:         materialized,
		ImageSets: map[string]ImageSet{
			IMAGE_SET_A: {
				Description: c.descriptionA,
				BaseURL:     gcs.HTTPURL(baseURLA),
			},
			IMAGE_SET_B: {
				Description: c.descriptionB,
				BaseURL:     gcs.HTTPURL(baseURLB),
			},
			IMAGE_SET_DIFFS: {
				Description: "color difference per channel",
				BaseURL:     gcs.HTTPURL(c.diffBaseURL) + "/" + diffcache.DIFF_DIR_NAME,
			},
			IMAGE_SET_WHITEDIFFS: {
				Description: "differing pixels in white",
				BaseURL:     gcs.HTTPURL(c.diffBaseURL) + "/" + diffcache.WHITEDIFF_DIR_NAME,
			},
		},
		PendingDiffs: pending,
	}, nil
}
