package diffcache

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"go.skia.org/rebaseline/go/fileutil"
	"go.skia.org/rebaseline/go/metrics2"
	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/go/util"
	"go.skia.org/rebaseline/rebaseline/go/diff"
	"go.skia.org/rebaseline/rebaseline/go/imgsource"
)

// ImageLoader fetches each image once, keeps it on disk under its locator, and
// keeps recently used decoded images in RAM.
type ImageLoader struct {
	imgDir string
	source imgsource.ImageSource

	// inflight collapses concurrent loads of the same locator.
	inflight singleflight.Group

	// decoded caches decoded images by locator.
	decoded *lru.Cache

	downloaded     metrics2.Counter
	downloadFailed metrics2.Counter
}

// NewImageLoader returns an ImageLoader that stores images in imgDir and keeps
// up to cacheSize decoded images in memory.
func NewImageLoader(imgDir string, source imgsource.ImageSource, cacheSize int) (*ImageLoader, error) {
	if cacheSize <= 0 {
		cacheSize = DEFAULT_IMAGE_CACHE_SIZE
	}
	decoded, err := lru.New(cacheSize)
	if err != nil {
		return nil, skerr.Wrapf(err, "creating image cache of size %d", cacheSize)
	}
	return &ImageLoader{
		imgDir:         imgDir,
		source:         source,
		decoded:        decoded,
		downloaded:     metrics2.GetCounter("imgloader_downloaded"),
		downloadFailed: metrics2.GetCounter("imgloader_download_failed"),
	}, nil
}

// ImagePath returns where the image with the given locator is stored.
func (il *ImageLoader) ImagePath(locator string) string {
	return filepath.Join(il.imgDir, filepath.FromSlash(locator)+"."+IMG_EXTENSION)
}

// Get returns the decoded image for locator, fetching it from url if it is not
// on disk yet. Any failure is reported as ErrDownloadFailure.
func (il *ImageLoader) Get(ctx context.Context, url, locator string) (*image.NRGBA, error) {
	if img, ok := il.decoded.Get(locator); ok {
		return img.(*image.NRGBA), nil
	}
	v, err, _ := il.inflight.Do(locator, func() (interface{}, error) {
		return il.load(ctx, url, locator)
	})
	if err != nil {
		return nil, err
	}
	return v.(*image.NRGBA), nil
}

func (il *ImageLoader) load(ctx context.Context, url, locator string) (*image.NRGBA, error) {
	p := il.ImagePath(locator)
	if fileutil.FileExists(p) {
		img, err := readImg(p)
		if err == nil {
			il.decoded.Add(locator, img)
			return img, nil
		}
		sklog.Warningf("Discarding unreadable cached image %s: %s", p, err)
		util.Remove(p)
	}

	sklog.Debugf("Downloading (and caching) image %s from %s", locator, url)
	b, err := il.source.Fetch(ctx, url)
	if err != nil {
		il.downloadFailed.Inc(1)
		return nil, skerr.Wrapf(ErrDownloadFailure, "fetching %s from %s: %s", locator, url, err)
	}
	img, err := decodeImg(b)
	if err != nil {
		il.downloadFailed.Inc(1)
		return nil, skerr.Wrapf(ErrDownloadFailure, "decoding %s from %s: %s", locator, url, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, skerr.Wrapf(err, "creating directory for %s", p)
	}
	if err := util.WithWriteFile(p, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	}); err != nil {
		return nil, skerr.Wrapf(err, "storing image %s", locator)
	}
	il.downloaded.Inc(1)
	il.decoded.Add(locator, img)
	return img, nil
}

func readImg(p string) (*image.NRGBA, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return decodeImg(b)
}

// decodeImg decodes any registered image format into NRGBA.
func decodeImg(b []byte) (*image.NRGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return diff.GetNRGBA(img), nil
}

// encodeImg writes img as PNG, favoring speed over size.
func encodeImg(w io.Writer, img image.Image) error {
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	return encoder.Encode(w, img)
}
