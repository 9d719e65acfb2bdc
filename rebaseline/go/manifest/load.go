package manifest

import (
	"context"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/go/util"
)

// MANIFEST_EXT is the extension of manifest files found by LoadDir.
const MANIFEST_EXT = ".json"

// maxConcurrentLoads bounds the number of manifests parsed at once.
const maxConcurrentLoads = 8

// Set maps builder name to that builder's manifest.
type Set map[string]*Manifest

// Builders returns the builders of the set, sorted.
func (s Set) Builders() []string {
	return util.SortedKeys(s)
}

// LoadFile parses the manifest at path. Malformed entries are logged and
// skipped.
func LoadFile(path string) (*Manifest, error) {
	var ret *Manifest
	err := util.WithReadFile(path, func(r io.Reader) error {
		m, errs, err := Parse(r)
		if err != nil {
			return err
		}
		for _, e := range errs {
			sklog.Warningf("Skipping entry of %s: %s", path, e)
		}
		ret = m
		return nil
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "loading manifest %s", path)
	}
	return ret, nil
}

// LoadTiledFile parses the tiled summary at path. Malformed tests are logged
// and skipped.
func LoadTiledFile(path string) (*TiledManifest, error) {
	var ret *TiledManifest
	err := util.WithReadFile(path, func(r io.Reader) error {
		m, errs, err := ParseTiled(r)
		if err != nil {
			return err
		}
		for _, e := range errs {
			sklog.Warningf("Skipping test of %s: %s", path, e)
		}
		ret = m
		return nil
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "loading tiled summary %s", path)
	}
	return ret, nil
}

// BuilderName returns the builder a manifest file under root belongs to: the
// directory holding it, relative to root, or the file name without extension
// for files directly in root.
func BuilderName(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	dir := filepath.Dir(rel)
	if dir == "." {
		return strings.TrimSuffix(rel, MANIFEST_EXT), nil
	}
	return filepath.ToSlash(dir), nil
}

// LoadDir loads every manifest under root into a Set.
//
// All manifests are read even if some fail. If any fails, including with a
// header mismatch, the returned error lists every failure and no Set is
// returned.
func LoadDir(ctx context.Context, root string) (Set, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), MANIFEST_EXT) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "listing manifests in %s", root)
	}

	var mtx sync.Mutex
	ret := make(Set, len(paths))
	var loadErrs *multierror.Error

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentLoads)
	for _, p := range paths {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			builder, m, err := loadForBuilder(root, p)
			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				loadErrs = multierror.Append(loadErrs, err)
				return nil
			}
			if _, ok := ret[builder]; ok {
				loadErrs = multierror.Append(loadErrs, skerr.Fmt("more than one manifest for builder %q", builder))
				return nil
			}
			ret[builder] = m
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := loadErrs.ErrorOrNil(); err != nil {
		return nil, skerr.Wrapf(err, "loading manifests from %s", root)
	}
	sklog.Infof("Loaded %d manifests from %s", len(ret), root)
	return ret, nil
}

func loadForBuilder(root, path string) (string, *Manifest, error) {
	builder, err := BuilderName(root, path)
	if err != nil {
		return "", nil, err
	}
	m, err := LoadFile(path)
	if err != nil {
		return "", nil, err
	}
	return builder, m, nil
}
