// Package classifier turns two sets of manifests into ImagePairs, filed into
// a collection of all pairs and a collection of the pairs that did not
// succeed.
package classifier

import (
	"context"
	"fmt"
	"sort"

	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/go/util"
	"go.skia.org/rebaseline/rebaseline/go/column"
	"go.skia.org/rebaseline/rebaseline/go/imagepair"
	"go.skia.org/rebaseline/rebaseline/go/manifest"
	"go.skia.org/rebaseline/rebaseline/go/paircollection"
	"go.skia.org/rebaseline/rebaseline/go/types"
)

// Columns used only by tiled comparisons.
const (
	COLUMN_TILED_OR_WHOLE = "tiledOrWhole"
	TILED                 = "tiled"
	WHOLE                 = "whole"
)

// Options configures a Classifier.
type Options struct {
	// DescriptionA and DescriptionB describe the two sets in reports.
	DescriptionA string
	DescriptionB string
	// BaseURLA and BaseURLB are where the images of each set are served from.
	// For tiled comparisons an empty base URL falls back to the
	// image-base-gs-url of the summary.
	BaseURLA string
	BaseURLB string
	// DiffBaseURL is where the diff images are served from.
	DiffBaseURL string
}

// Results of one comparison.
type Results struct {
	All      *paircollection.PairCollection
	Failures *paircollection.PairCollection
	// Skipped holds one error per unit that could not be turned into a pair.
	Skipped []error
	// Warnings describe inconsistencies between the two sides that did not
	// prevent the comparison.
	Warnings []string
}

// Classifier compares manifests. Failed pairs are diffed on its DiffSource,
// which may be nil to skip pixel diffs.
type Classifier struct {
	diffs imagepair.DiffSource
	opts  Options
}

// New returns a Classifier.
func New(diffs imagepair.DiffSource, opts Options) *Classifier {
	return &Classifier{
		diffs: diffs,
		opts:  opts,
	}
}

func (c *Classifier) newResults() *Results {
	newCollection := func() *paircollection.PairCollection {
		pc := paircollection.New(c.opts.DescriptionA, c.opts.DescriptionB, c.opts.DiffBaseURL)
		pc.EnsureColumnValues(column.RESULT_TYPE, types.ResultTypeStrings())
		pc.SetColumnHeaderFactory(column.BUILDER, column.NewHeaderFactory("Builder"))
		pc.SetColumnHeaderFactory(column.CONFIG, column.NewHeaderFactory("Config"))
		pc.SetColumnHeaderFactory(column.RESULT_TYPE, column.NewHeaderFactory("Result Type"))
		pc.SetColumnHeaderFactory(column.TILE, column.NewHeaderFactory("Tile"))
		pc.SetColumnHeaderFactory(COLUMN_TILED_OR_WHOLE, column.NewHeaderFactory("Tiled or Whole"))
		test := column.NewHeaderFactory("Test")
		test.UseFreeformFilter = true
		pc.SetColumnHeaderFactory(column.TEST, test)
		return pc
	}
	return &Results{
		All:      newCollection(),
		Failures: newCollection(),
	}
}

// add builds a pair and files it. A pair that cannot be built is logged and
// recorded in r.Skipped.
func (c *Classifier) add(ctx context.Context, r *Results, baseURLA, baseURLB string, a, b *imagepair.ImageRef, cols imagepair.Columns) error {
	p, err := imagepair.New(ctx, c.diffs, baseURLA, baseURLB, a, b, cols)
	if err != nil {
		sklog.Errorf("Skipping builder %q test %q config %q: %s", cols.Builder, cols.Test, cols.Config, err)
		r.Skipped = append(r.Skipped, err)
		return nil
	}
	if err := r.All.AddImagePair(p); err != nil {
		return skerr.Wrap(err)
	}
	if p.ResultType() != types.SUCCEEDED {
		if err := r.Failures.AddImagePair(p); err != nil {
			return skerr.Wrap(err)
		}
	}
	return nil
}

func refFor(test types.TestName, c *types.Checksum) *imagepair.ImageRef {
	if c == nil {
		return nil
	}
	return &imagepair.ImageRef{Test: test, Checksum: *c}
}

// Compare compares two per-builder manifest sets. Every builder in either set
// is compared, in sorted order.
func (c *Classifier) Compare(ctx context.Context, a, b manifest.Set) (*Results, error) {
	r := c.newResults()
	builders := util.NewStringSet(a.Builders(), b.Builders()).Keys()
	for _, builder := range builders {
		if err := c.compareManifests(ctx, r, builder, a[builder], b[builder]); err != nil {
			return nil, err
		}
	}
	sklog.Infof("Compared %d builders: %d pairs, %d not succeeded, %d skipped", len(builders), r.All.Len(), r.Failures.Len(), len(r.Skipped))
	return r, nil
}

// CompareManifests compares two manifests that do not belong to a builder.
func (c *Classifier) CompareManifests(ctx context.Context, a, b *manifest.Manifest) (*Results, error) {
	r := c.newResults()
	if err := c.compareManifests(ctx, r, "", a, b); err != nil {
		return nil, err
	}
	return r, nil
}

// compareManifests files the pairs of one builder. Either manifest may be nil.
func (c *Classifier) compareManifests(ctx context.Context, r *Results, builder string, a, b *manifest.Manifest) error {
	keys := map[manifest.Key]bool{}
	for _, k := range a.Keys() {
		keys[k] = true
	}
	for _, k := range b.Keys() {
		keys[k] = true
	}
	sorted := make([]manifest.Key, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Test != sorted[j].Test {
			return sorted[i].Test < sorted[j].Test
		}
		return sorted[i].Config < sorted[j].Config
	})

	for _, k := range sorted {
		cols := imagepair.Columns{
			Builder: builder,
			Test:    k.Test,
			Config:  k.Config,
		}
		if err := c.add(ctx, r, c.opts.BaseURLA, c.opts.BaseURLB, refFor(k.Test, a.Checksum(k)), refFor(k.Test, b.Checksum(k)), cols); err != nil {
			return err
		}
	}
	return nil
}

func tiledRef(test types.TestName, e *manifest.ImageEntry) *imagepair.ImageRef {
	if e == nil {
		return nil
	}
	return &imagepair.ImageRef{Test: test, Checksum: e.Checksum, Path: e.Filepath}
}

func baseURL(opt string, m *manifest.TiledManifest) string {
	if opt != "" || m == nil {
		return opt
	}
	return m.ImageBaseGSURL
}

// CompareTiled compares two tiled summaries. For every test it files one
// pair for the whole image and one per tile.
//
// If both sides have a test but a different number of tiles, the tiles both
// sides have are compared as usual, the surplus tiles are filed as
// noComparison and the mismatch is added to Warnings.
func (c *Classifier) CompareTiled(ctx context.Context, a, b *manifest.TiledManifest) (*Results, error) {
	r := c.newResults()
	r.All.EnsureColumnValues(COLUMN_TILED_OR_WHOLE, []string{TILED, WHOLE})
	r.Failures.EnsureColumnValues(COLUMN_TILED_OR_WHOLE, []string{TILED, WHOLE})
	baseA, baseB := baseURL(c.opts.BaseURLA, a), baseURL(c.opts.BaseURLB, b)

	tests := map[types.TestName]bool{}
	for _, t := range a.Tests() {
		tests[t] = true
	}
	for _, t := range b.Tests() {
		tests[t] = true
	}
	sorted := make([]types.TestName, 0, len(tests))
	for t := range tests {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, test := range sorted {
		ra, rb := a.Result(test), b.Result(test)
		if ra == nil {
			ra = &manifest.TiledResult{}
		}
		if rb == nil {
			rb = &manifest.TiledResult{}
		}

		if ra.WholeImage != nil || rb.WholeImage != nil {
			cols := imagepair.Columns{
				Test:  test,
				Extra: map[string]string{COLUMN_TILED_OR_WHOLE: WHOLE},
			}
			if err := c.add(ctx, r, baseA, baseB, tiledRef(test, ra.WholeImage), tiledRef(test, rb.WholeImage), cols); err != nil {
				return nil, err
			}
		}

		na, nb := len(ra.Tiles), len(rb.Tiles)
		if na != nb && a.Result(test) != nil && b.Result(test) != nil {
			msg := fmt.Sprintf("test %q has %d tiles in %q but %d in %q; only the first %d are compared", test, na, c.opts.DescriptionA, nb, c.opts.DescriptionB, util.MinInt(na, nb))
			sklog.Warning(msg)
			r.Warnings = append(r.Warnings, msg)
		}
		for i := 0; i < util.MaxInt(na, nb); i++ {
			var ta, tb *manifest.ImageEntry
			if i < na {
				ta = &ra.Tiles[i]
			}
			if i < nb {
				tb = &rb.Tiles[i]
			}
			tile := i
			cols := imagepair.Columns{
				Test:  test,
				Tile:  &tile,
				Extra: map[string]string{COLUMN_TILED_OR_WHOLE: TILED},
			}
			if err := c.add(ctx, r, baseA, baseB, tiledRef(test, ta), tiledRef(test, tb), cols); err != nil {
				return nil, err
			}
		}
	}
	sklog.Infof("Compared %d tiled tests: %d pairs, %d not succeeded, %d warnings", len(sorted), r.All.Len(), r.Failures.Len(), len(r.Warnings))
	return r, nil
}
