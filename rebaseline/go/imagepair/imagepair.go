// Package imagepair holds ImagePair, one comparable unit of a report: two
// optional images, the ResultType derived from them and the columns the unit
// is filed under.
package imagepair

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/rebaseline/go/column"
	"go.skia.org/rebaseline/rebaseline/go/diff"
	"go.skia.org/rebaseline/rebaseline/go/diffcache"
	"go.skia.org/rebaseline/rebaseline/go/types"
)

// DiffSource is the part of the DiffCache an ImagePair uses.
type DiffSource interface {
	AddImagePair(ctx context.Context, expectedURL, expectedLocator, actualURL, actualLocator string) error
	WaitForDiffRecord(ctx context.Context, expectedLocator, actualLocator string) (*diff.DiffRecord, error)
}

// ImageRef points to one rendered image.
type ImageRef struct {
	Test     types.TestName
	Checksum types.Checksum
	// Path, if set, is the URL of the image relative to its base URL.
	// Otherwise the URL is derived from the locator.
	Path string
}

// Locator returns "<hashType>/<test>/<hashDigest>", the key the image is
// stored under.
func (r ImageRef) Locator() string {
	return r.Checksum.HashType + "/" + string(r.Test) + "/" + string(r.Checksum.HashDigest)
}

// RelativeURL returns the URL of the image relative to its base URL.
func (r ImageRef) RelativeURL() string {
	if r.Path != "" {
		return r.Path
	}
	return r.Locator() + "." + diffcache.IMG_EXTENSION
}

func (r ImageRef) validate() error {
	if r.Test == "" || r.Checksum.HashType == "" || r.Checksum.HashDigest == "" {
		return skerr.Fmt("incomplete image reference %+v", r)
	}
	for _, part := range []string{r.Checksum.HashType, string(r.Test), string(r.Checksum.HashDigest)} {
		if strings.Contains(part, "/") {
			return skerr.Fmt("image reference %+v has a part containing '/'", r)
		}
	}
	return diffcache.ValidateLocator(r.Locator())
}

// Columns is the metadata an ImagePair is filed and tallied under. Empty
// fields are not tallied.
type Columns struct {
	Builder    string
	Test       types.TestName
	Config     string
	ResultType types.ResultType
	// Tile is the tile index for tiled renders.
	Tile *int
	// Extra holds dynamic columns that have no field above.
	Extra map[string]string
}

// Values returns the columns as columnID -> value.
func (c Columns) Values() map[string]string {
	ret := make(map[string]string, 5+len(c.Extra))
	for k, v := range c.Extra {
		ret[k] = v
	}
	if c.Builder != "" {
		ret[column.BUILDER] = c.Builder
	}
	if c.Test != "" {
		ret[column.TEST] = string(c.Test)
	}
	if c.Config != "" {
		ret[column.CONFIG] = c.Config
	}
	if c.ResultType != "" {
		ret[column.RESULT_TYPE] = string(c.ResultType)
	}
	if c.Tile != nil {
		ret[column.TILE] = strconv.Itoa(*c.Tile)
	}
	return ret
}

// ImagePair is one comparable unit. It is immutable once built.
type ImagePair struct {
	BaseURLA string
	BaseURLB string
	A        *ImageRef
	B        *ImageRef
	Columns  Columns

	diffs DiffSource
}

// New builds an ImagePair. The ResultType is derived from the checksums of a
// and b and written into the ResultType column. If the images differ and
// diffs is not nil the pixel diff is scheduled on diffs.
//
// It returns an error if neither image is given or a reference is malformed.
func New(ctx context.Context, diffs DiffSource, baseURLA, baseURLB string, a, b *ImageRef, cols Columns) (*ImagePair, error) {
	var ca, cb *types.Checksum
	if a != nil {
		if err := a.validate(); err != nil {
			return nil, err
		}
		ca = &a.Checksum
	}
	if b != nil {
		if err := b.validate(); err != nil {
			return nil, err
		}
		cb = &b.Checksum
	}
	rt, err := types.Classify(ca, cb)
	if err != nil {
		return nil, skerr.Wrapf(err, "building image pair for %+v", cols)
	}
	cols.ResultType = rt

	ret := &ImagePair{
		BaseURLA: baseURLA,
		BaseURLB: baseURLB,
		A:        a,
		B:        b,
		Columns:  cols,
		diffs:    diffs,
	}
	if ret.hasDiff() {
		if err := diffs.AddImagePair(ctx, ret.imageURL(baseURLA, a), a.Locator(), ret.imageURL(baseURLB, b), b.Locator()); err != nil {
			// The pair is still usable without difference data.
			sklog.Errorf("Could not schedule diff of %s against %s: %s", a.Locator(), b.Locator(), err)
		}
	}
	return ret, nil
}

func (p *ImagePair) imageURL(base string, r *ImageRef) string {
	return base + "/" + r.RelativeURL()
}

func (p *ImagePair) hasDiff() bool {
	return p.diffs != nil && p.Columns.ResultType == types.FAILED
}

// ResultType returns the derived ResultType.
func (p *ImagePair) ResultType() types.ResultType {
	return p.Columns.ResultType
}

// DifferenceData is the serialized form of a DiffRecord.
type DifferenceData struct {
	NumDifferingPixels     int     `json:"numDifferingPixels"`
	PercentDifferingPixels float64 `json:"percentDifferingPixels"`
	WeightedDiffMeasure    float64 `json:"weightedDiffMeasure"`
	MaxDiffPerChannel      [3]int  `json:"maxDiffPerChannel"`
	DimensionsDiffer       bool    `json:"dimensionsDiffer"`
	// DiffURL and WhiteDiffURL are relative to the report's diff image sets.
	DiffURL      string `json:"diffUrl"`
	WhiteDiffURL string `json:"whiteDiffUrl"`
}

// Materialized is the serialized form of an ImagePair.
type Materialized struct {
	ExtraColumns   map[string]string `json:"extraColumns"`
	ImageAURL      string            `json:"imageAUrl,omitempty"`
	ImageBURL      string            `json:"imageBUrl,omitempty"`
	IsDifferent    bool              `json:"isDifferent"`
	DifferenceData *DifferenceData   `json:"differenceData,omitempty"`
	// DiffPending is set when the pixel diff had not finished by the time
	// the pair was materialized.
	DiffPending bool `json:"diffPending,omitempty"`
}

// Materialize returns the serialized form of the pair. For failed pairs it
// waits for the pixel diff until ctx is done. A diff that failed or is still
// pending is logged and the pair is returned without difference data.
func (p *ImagePair) Materialize(ctx context.Context) *Materialized {
	ret := &Materialized{
		ExtraColumns: p.Columns.Values(),
		IsDifferent:  p.Columns.ResultType != types.SUCCEEDED,
	}
	if p.A != nil {
		ret.ImageAURL = p.A.RelativeURL()
	}
	if p.B != nil {
		ret.ImageBURL = p.B.RelativeURL()
	}
	if !p.hasDiff() {
		return ret
	}

	eLoc, aLoc := p.A.Locator(), p.B.Locator()
	rec, err := p.diffs.WaitForDiffRecord(ctx, eLoc, aLoc)
	if err != nil {
		if ctx.Err() != nil {
			sklog.Warningf("Diff of %s against %s (builder %q, test %q) still pending: %s", eLoc, aLoc, p.Columns.Builder, p.Columns.Test, err)
			ret.DiffPending = true
		} else if !errors.Is(err, diffcache.ErrNotFound) {
			sklog.Warningf("No diff for %s against %s (builder %q, test %q): %s", eLoc, aLoc, p.Columns.Builder, p.Columns.Test, err)
		}
		return ret
	}
	name := diffcache.DiffName(eLoc, aLoc) + "." + diffcache.IMG_EXTENSION
	ret.DifferenceData = &DifferenceData{
		NumDifferingPixels:     rec.NumPixelsDiffering,
		PercentDifferingPixels: rec.PercentPixelsDiffering(),
		WeightedDiffMeasure:    rec.WeightedDiffMeasure,
		MaxDiffPerChannel:      rec.MaxDiffPerChannel,
		DimensionsDiffer:       rec.DimDiffer,
		DiffURL:                name,
		WhiteDiffURL:           name,
	}
	return ret
}
