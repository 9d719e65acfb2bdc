package manifest

import (
	"encoding/json"
	"io"
	"sort"

	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/rebaseline/go/types"
)

// A tiled summary, as written by the picture renderer, looks like this:
//
//	{
//	  "header": {"type": "ChecksummedImages", "revision": 1},
//	  "image-base-gs-url": "gs://bucket/renders",
//	  "actual-results": {
//	    "blur.skp": {
//	      "whole-image": {
//	        "checksumAlgorithm": "bitmap-64bitMD5",
//	        "checksumValue": 1234,
//	        "filepath": "blur_skp/bitmap-64bitMD5_1234.png"
//	      },
//	      "tiled-images": [ ... entries like "whole-image" ... ]
//	    }
//	  }
//	}

// ImageEntry is one rendered image of a tiled summary.
type ImageEntry struct {
	Checksum types.Checksum
	Filepath string
}

type rawImageEntry struct {
	ChecksumAlgorithm string          `json:"checksumAlgorithm"`
	ChecksumValue     json.RawMessage `json:"checksumValue"`
	Filepath          string          `json:"filepath"`
}

func (e *rawImageEntry) parse() (ImageEntry, error) {
	if e.ChecksumAlgorithm == "" || len(e.ChecksumValue) == 0 {
		return ImageEntry{}, skerr.Wrapf(ErrShapeMismatch, "image entry is missing its checksum")
	}
	d, err := types.ParseDigest(e.ChecksumValue)
	if err != nil || d == "" {
		return ImageEntry{}, skerr.Wrapf(ErrShapeMismatch, "image entry has an invalid checksum value %s", string(e.ChecksumValue))
	}
	return ImageEntry{
		Checksum: types.Checksum{HashType: e.ChecksumAlgorithm, HashDigest: d},
		Filepath: e.Filepath,
	}, nil
}

// TiledResult holds the renders of one test: the whole image, if present, and
// the tiles in order.
type TiledResult struct {
	WholeImage *ImageEntry
	Tiles      []ImageEntry
}

// TiledManifest is a parsed tiled summary.
type TiledManifest struct {
	Header         Header
	ImageBaseGSURL string
	Results        map[types.TestName]*TiledResult
}

// Tests returns the tests of the manifest, sorted.
func (m *TiledManifest) Tests() []types.TestName {
	if m == nil {
		return nil
	}
	ret := make([]types.TestName, 0, len(m.Results))
	for t := range m.Results {
		ret = append(ret, t)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// Result returns the renders of the test, or nil.
func (m *TiledManifest) Result(test types.TestName) *TiledResult {
	if m == nil {
		return nil
	}
	return m.Results[test]
}

type rawTiledResult struct {
	WholeImage  *rawImageEntry  `json:"whole-image"`
	TiledImages []rawImageEntry `json:"tiled-images"`
}

type rawTiledManifest struct {
	Header         *Header                    `json:"header"`
	ImageBaseGSURL string                     `json:"image-base-gs-url"`
	ActualResults  map[string]json.RawMessage `json:"actual-results"`
}

// ParseTiled reads a tiled summary from r. Errors are reported the same way
// as by Parse. A test with any malformed image entry is skipped whole, since
// dropping one tile would shift the indices of the rest.
func ParseTiled(r io.Reader) (*TiledManifest, []error, error) {
	raw := rawTiledManifest{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, nil, skerr.Wrapf(err, "could not parse tiled summary JSON")
	}
	if raw.Header == nil {
		return nil, nil, skerr.Wrapf(ErrHeaderMismatch, "tiled summary has no header")
	}
	if err := raw.Header.validate(); err != nil {
		return nil, nil, err
	}

	ret := &TiledManifest{
		Header:         *raw.Header,
		ImageBaseGSURL: raw.ImageBaseGSURL,
		Results:        make(map[types.TestName]*TiledResult, len(raw.ActualResults)),
	}
	var errs []error
	for test, msg := range raw.ActualResults {
		res, err := parseTiledResult(msg)
		if err != nil {
			errs = append(errs, skerr.Wrapf(err, "test %q", test))
			continue
		}
		ret.Results[types.TestName(test)] = res
	}
	return ret, errs, nil
}

func parseTiledResult(msg json.RawMessage) (*TiledResult, error) {
	raw := rawTiledResult{}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, skerr.Wrapf(ErrShapeMismatch, "%s", err)
	}
	ret := &TiledResult{}
	if raw.WholeImage != nil {
		e, err := raw.WholeImage.parse()
		if err != nil {
			return nil, skerr.Wrapf(err, "whole image")
		}
		ret.WholeImage = &e
	}
	for i, t := range raw.TiledImages {
		e, err := t.parse()
		if err != nil {
			return nil, skerr.Wrapf(err, "tile %d", i)
		}
		ret.Tiles = append(ret.Tiles, e)
	}
	if ret.WholeImage == nil && len(ret.Tiles) == 0 {
		return nil, skerr.Wrapf(ErrShapeMismatch, "no images")
	}
	return ret, nil
}
