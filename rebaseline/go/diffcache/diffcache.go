// Package diffcache computes pixel diffs between pairs of images and caches
// them by the locators of the two images.
//
// Layout under the storage root:
//
//	images/<locator>.png
//	diffs/<expected>-vs-<actual>.png
//	whitediffs/<expected>-vs-<actual>.png
//	diffrecords.db
//
// Each (expected, actual) key is computed at most once. A computation that
// fails leaves the key absent, and a later AddImagePair retries it.
package diffcache

import (
	"context"
	"errors"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"go.skia.org/rebaseline/go/fileutil"
	"go.skia.org/rebaseline/go/metrics2"
	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/go/util"
	"go.skia.org/rebaseline/go/workerpool"
	"go.skia.org/rebaseline/rebaseline/go/diff"
	"go.skia.org/rebaseline/rebaseline/go/imgsource"
)

const (
	// IMG_DIR_NAME is the directory under the storage root holding source images.
	IMG_DIR_NAME = "images"
	// DIFF_DIR_NAME holds the per-channel difference images.
	DIFF_DIR_NAME = "diffs"
	// WHITEDIFF_DIR_NAME holds the binarized difference images.
	WHITEDIFF_DIR_NAME = "whitediffs"

	// IMG_EXTENSION is the extension of every stored image.
	IMG_EXTENSION = "png"

	LOCK_FILE_NAME = ".lock"

	DEFAULT_NUM_WORKERS      = 8
	DEFAULT_QUEUE_SIZE       = 1000
	DEFAULT_IMAGE_CACHE_SIZE = 500
)

var (
	// ErrNotFound is returned when no computed record exists for a key.
	ErrNotFound = errors.New("diff record not found")

	// ErrDownloadFailure is returned when a source image cannot be fetched or
	// decoded.
	ErrDownloadFailure = errors.New("image download failure")

	// ErrClosed is returned by AddImagePair after Close.
	ErrClosed = errors.New("diff cache is closed")

	// ErrStorageRootLocked is returned by New if another process holds the root.
	ErrStorageRootLocked = errors.New("storage root is in use by another process")
)

// Key identifies one diff.
type Key struct {
	Expected string
	Actual   string
}

// Options configures a DiffCache. Zero values select the defaults.
type Options struct {
	NumWorkers     int
	QueueSize      int
	ImageCacheSize int
	// NoPersist disables the on-disk record store.
	NoPersist bool
}

// entry is the future for one key. done is closed once rec or err is set.
type entry struct {
	done chan struct{}
	rec  *diff.DiffRecord
	err  error
}

func (e *entry) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// DiffCache computes and caches diffs. It is safe for concurrent use.
type DiffCache struct {
	storageRoot  string
	diffDir      string
	whiteDiffDir string

	loader *ImageLoader
	pool   *workerpool.WorkerPool
	store  *recordStore
	lock   *flock.Flock

	// mtx protects entries and closed.
	mtx     sync.Mutex
	entries map[Key]*entry
	closed  bool

	computed metrics2.Counter
	failed   metrics2.Counter
	cacheHit metrics2.Counter
}

// New returns a DiffCache rooted at storageRoot that fetches images through
// source.
func New(storageRoot string, source imgsource.ImageSource, opts Options) (*DiffCache, error) {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = DEFAULT_NUM_WORKERS
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DEFAULT_QUEUE_SIZE
	}

	root, err := fileutil.EnsureDirExists(storageRoot)
	if err != nil {
		return nil, skerr.Wrapf(err, "creating storage root %s", storageRoot)
	}
	dirs := map[string]string{}
	for _, name := range []string{IMG_DIR_NAME, DIFF_DIR_NAME, WHITEDIFF_DIR_NAME} {
		if dirs[name], err = fileutil.EnsureDirExists(filepath.Join(root, name)); err != nil {
			return nil, skerr.Wrapf(err, "creating %s", name)
		}
	}

	lock := flock.New(filepath.Join(root, LOCK_FILE_NAME))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, skerr.Wrapf(err, "locking %s", root)
	}
	if !ok {
		return nil, skerr.Wrapf(ErrStorageRootLocked, "%s", root)
	}

	loader, err := NewImageLoader(dirs[IMG_DIR_NAME], source, opts.ImageCacheSize)
	if err != nil {
		util.LogErr(lock.Unlock())
		return nil, err
	}

	ret := &DiffCache{
		storageRoot:  root,
		diffDir:      dirs[DIFF_DIR_NAME],
		whiteDiffDir: dirs[WHITEDIFF_DIR_NAME],
		loader:       loader,
		lock:         lock,
		entries:      map[Key]*entry{},
		computed:     metrics2.GetCounter("diffcache_computed"),
		failed:       metrics2.GetCounter("diffcache_failed"),
		cacheHit:     metrics2.GetCounter("diffcache_cache_hit"),
	}

	if !opts.NoPersist {
		if ret.store, err = openRecordStore(root); err != nil {
			util.LogErr(lock.Unlock())
			return nil, err
		}
		if err := ret.loadRecords(); err != nil {
			util.LogErr(ret.store.close())
			util.LogErr(lock.Unlock())
			return nil, err
		}
	}

	ret.pool = workerpool.NewWithQueue(opts.NumWorkers, opts.QueueSize)
	return ret, nil
}

// loadRecords registers persisted records whose diff images still exist.
func (d *DiffCache) loadRecords() error {
	loaded, stale := 0, []Key{}
	err := d.store.loadAll(func(k Key, rec *diff.DiffRecord) {
		if !fileutil.FileExists(d.DiffPath(k.Expected, k.Actual)) || !fileutil.FileExists(d.WhiteDiffPath(k.Expected, k.Actual)) {
			stale = append(stale, k)
			return
		}
		e := &entry{done: make(chan struct{}), rec: rec}
		close(e.done)
		d.entries[k] = e
		loaded++
	})
	if err != nil {
		return skerr.Wrapf(err, "loading diff records")
	}
	for _, k := range stale {
		util.LogErr(d.store.delete(k))
	}
	sklog.Infof("Loaded %d diff records from %s, dropped %d without artifacts", loaded, d.storageRoot, len(stale))
	return nil
}

// ValidateLocator returns an error if locator cannot be used as a relative
// storage path.
func ValidateLocator(locator string) error {
	if locator == "" {
		return skerr.Fmt("empty locator")
	}
	if strings.HasPrefix(locator, "/") || strings.Contains(locator, "\\") {
		return skerr.Fmt("locator %q must be a relative slash-separated path", locator)
	}
	for _, part := range strings.Split(locator, "/") {
		if part == "" || part == "." || part == ".." {
			return skerr.Fmt("locator %q has an invalid path segment", locator)
		}
	}
	if path.Clean(locator) != locator {
		return skerr.Fmt("locator %q is not in canonical form", locator)
	}
	return nil
}

// DiffName returns the base name, without extension, of the diff images for
// the given pair: "<expected>-vs-<actual>" with both locators escaped by
// EscapeLocator. Distinct pairs get distinct names.
func DiffName(expectedLocator, actualLocator string) string {
	return EscapeLocator(expectedLocator) + "-vs-" + EscapeLocator(actualLocator)
}

// EscapeLocator makes a locator safe for use in a file name and a URL path.
// Letters and digits are kept, '/' becomes '_' and every other byte becomes
// '-' followed by two upper case hex digits. The escaping is reversible, and
// an escaped locator never contains "-vs-".
func EscapeLocator(locator string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(locator))
	for i := 0; i < len(locator); i++ {
		c := locator[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '/':
			b.WriteByte('_')
		default:
			b.WriteByte('-')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// DiffPath returns the path of the color diff image for the pair.
func (d *DiffCache) DiffPath(expectedLocator, actualLocator string) string {
	return filepath.Join(d.diffDir, DiffName(expectedLocator, actualLocator)+"."+IMG_EXTENSION)
}

// WhiteDiffPath returns the path of the white diff image for the pair.
func (d *DiffCache) WhiteDiffPath(expectedLocator, actualLocator string) string {
	return filepath.Join(d.whiteDiffDir, DiffName(expectedLocator, actualLocator)+"."+IMG_EXTENSION)
}

// StorageRoot returns the absolute storage root.
func (d *DiffCache) StorageRoot() string {
	return d.storageRoot
}

// AddImagePair schedules the diff of the expected and actual images. It
// returns immediately; use WaitForDiffRecord or Wait to block on the result.
//
// If a record exists or a computation is pending for the key this is a no-op.
// If a previous computation failed, it is retried.
//
// In-flight computations are not canceled when ctx is.
func (d *DiffCache) AddImagePair(ctx context.Context, expectedURL, expectedLocator, actualURL, actualLocator string) error {
	if err := ValidateLocator(expectedLocator); err != nil {
		return err
	}
	if err := ValidateLocator(actualLocator); err != nil {
		return err
	}
	k := Key{Expected: expectedLocator, Actual: actualLocator}

	d.mtx.Lock()
	if d.closed {
		d.mtx.Unlock()
		return ErrClosed
	}
	if e, ok := d.entries[k]; ok && (!e.finished() || e.err == nil) {
		d.mtx.Unlock()
		d.cacheHit.Inc(1)
		return nil
	}
	e := &entry{done: make(chan struct{})}
	d.entries[k] = e
	d.mtx.Unlock()

	ctx = context.WithoutCancel(ctx)
	// Go may block while the queue is full. Close waits for e.done before
	// stopping the pool, so the pool is still open here.
	d.pool.Go(func() {
		defer close(e.done)
		e.rec, e.err = d.compute(ctx, expectedURL, expectedLocator, actualURL, actualLocator)
		if e.err != nil {
			d.failed.Inc(1)
			sklog.Errorf("Failed to diff %s against %s: %s", expectedLocator, actualLocator, e.err)
			return
		}
		d.computed.Inc(1)
		if d.store != nil {
			util.LogErr(d.store.put(k, e.rec))
		}
	})
	return nil
}

// compute does the work for one key: load both images, diff them and write
// the diff images.
func (d *DiffCache) compute(ctx context.Context, expectedURL, expectedLocator, actualURL, actualLocator string) (*diff.DiffRecord, error) {
	defer metrics2.NewTimer("diffcache_compute").Stop()
	img1, err := d.loader.Get(ctx, expectedURL, expectedLocator)
	if err != nil {
		return nil, err
	}
	img2, err := d.loader.Get(ctx, actualURL, actualLocator)
	if err != nil {
		return nil, err
	}
	res := diff.Compute(img1, img2)

	if err := util.WithWriteFile(d.DiffPath(expectedLocator, actualLocator), func(w io.Writer) error {
		return encodeImg(w, res.DiffImage)
	}); err != nil {
		return nil, skerr.Wrapf(err, "writing diff image")
	}
	if err := util.WithWriteFile(d.WhiteDiffPath(expectedLocator, actualLocator), func(w io.Writer) error {
		return encodeImg(w, res.WhiteDiffImage)
	}); err != nil {
		return nil, skerr.Wrapf(err, "writing white diff image")
	}
	return res.Record, nil
}

// GetDiffRecord returns the record for the key, or ErrNotFound if it has not
// been computed, is still pending, or failed.
func (d *DiffCache) GetDiffRecord(expectedLocator, actualLocator string) (*diff.DiffRecord, error) {
	d.mtx.Lock()
	e, ok := d.entries[Key{Expected: expectedLocator, Actual: actualLocator}]
	d.mtx.Unlock()
	if !ok || !e.finished() || e.err != nil {
		return nil, ErrNotFound
	}
	return e.rec, nil
}

// WaitForDiffRecord blocks until the computation for the key has finished and
// returns its record or error. It returns ErrNotFound if the key was never
// added.
func (d *DiffCache) WaitForDiffRecord(ctx context.Context, expectedLocator, actualLocator string) (*diff.DiffRecord, error) {
	d.mtx.Lock()
	e, ok := d.entries[Key{Expected: expectedLocator, Actual: actualLocator}]
	d.mtx.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	// A finished diff is returned even if ctx is already done.
	select {
	case <-e.done:
		return e.rec, e.err
	default:
	}
	select {
	case <-e.done:
		return e.rec, e.err
	case <-ctx.Done():
		return nil, skerr.Wrap(ctx.Err())
	}
}

// pending returns the futures that have not finished yet.
func (d *DiffCache) pending() []*entry {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	ret := []*entry{}
	for _, e := range d.entries {
		if !e.finished() {
			ret = append(ret, e)
		}
	}
	return ret
}

// Wait blocks until every computation started before the call has finished.
func (d *DiffCache) Wait() {
	for _, e := range d.pending() {
		<-e.done
	}
}

// Len returns the number of successfully computed records.
func (d *DiffCache) Len() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n := 0
	for _, e := range d.entries {
		if e.finished() && e.err == nil {
			n++
		}
	}
	return n
}

// Close waits for pending computations, then releases the record store and
// the storage root.
func (d *DiffCache) Close() error {
	d.mtx.Lock()
	if d.closed {
		d.mtx.Unlock()
		return nil
	}
	d.closed = true
	d.mtx.Unlock()

	d.Wait()
	d.pool.Wait()
	var err error
	if d.store != nil {
		err = d.store.close()
	}
	if unlockErr := d.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return skerr.Wrap(err)
}
