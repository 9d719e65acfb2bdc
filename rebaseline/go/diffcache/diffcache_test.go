package diffcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.skia.org/rebaseline/go/fileutil"
	"go.skia.org/rebaseline/go/testutils/unittest"
	"go.skia.org/rebaseline/rebaseline/go/image/text"
)

const (
	black2x2 = `! SKTEXTSIMPLE
2 2
0x00 0x00
0x00 0x00`

	oneWhite2x2 = `! SKTEXTSIMPLE
2 2
0x00 0x00
0x00 0xff`

	expectedURL = "http://images.example.com/md5/aaclip/1111.png"
	expectedLoc = "md5/aaclip/1111"
	actualURL   = "http://images.example.com/md5/aaclip/2222.png"
	actualLoc   = "md5/aaclip/2222"
)

// countingSource serves fixed bytes per URL and counts fetches. If gate is
// non-nil every fetch blocks until it is closed.
type countingSource struct {
	mtx     sync.Mutex
	content map[string][]byte
	calls   map[string]int
	gate    chan struct{}
}

func newCountingSource() *countingSource {
	return &countingSource{
		content: map[string][]byte{
			expectedURL: text.MustToPNG(black2x2),
			actualURL:   text.MustToPNG(oneWhite2x2),
		},
		calls: map[string]int{},
	}
}

func (s *countingSource) Fetch(ctx context.Context, url string) ([]byte, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.calls[url]++
	b, ok := s.content[url]
	if !ok {
		return nil, errors.New("404")
	}
	return b, nil
}

func (s *countingSource) numCalls(url string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.calls[url]
}

func (s *countingSource) set(url string, b []byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.content[url] = b
}

func newCache(t *testing.T, root string, src *countingSource) *DiffCache {
	dc, err := New(root, src, Options{NumWorkers: 4, QueueSize: 4})
	assert.NoError(t, err)
	return dc
}

func TestGetDiffRecordBeforeAndAfter(t *testing.T) {
	unittest.MediumTest(t)
	ctx := context.Background()
	dc := newCache(t, t.TempDir(), newCountingSource())
	defer func() { assert.NoError(t, dc.Close()) }()

	_, err := dc.GetDiffRecord(expectedLoc, actualLoc)
	assert.Equal(t, ErrNotFound, err)
	_, err = dc.WaitForDiffRecord(ctx, expectedLoc, actualLoc)
	assert.Equal(t, ErrNotFound, err)

	assert.NoError(t, dc.AddImagePair(ctx, expectedURL, expectedLoc, actualURL, actualLoc))
	rec, err := dc.WaitForDiffRecord(ctx, expectedLoc, actualLoc)
	assert.NoError(t, err)
	assert.Equal(t, 1, rec.NumPixelsDiffering)
	assert.Equal(t, 25.0, rec.PercentPixelsDiffering())
	assert.InDelta(t, 25.0, rec.WeightedDiffMeasure, 1e-9)

	// Same record on every later call.
	for i := 0; i < 3; i++ {
		again, err := dc.GetDiffRecord(expectedLoc, actualLoc)
		assert.NoError(t, err)
		assert.Same(t, rec, again)
	}
	// The key is ordered.
	_, err = dc.GetDiffRecord(actualLoc, expectedLoc)
	assert.Equal(t, ErrNotFound, err)

	// Artifacts are on disk where they should be.
	root := dc.StorageRoot()
	assert.True(t, fileutil.FileExists(filepath.Join(root, "images", "md5", "aaclip", "1111.png")))
	assert.True(t, fileutil.FileExists(filepath.Join(root, "images", "md5", "aaclip", "2222.png")))
	name := "md5_aaclip_1111-vs-md5_aaclip_2222.png"
	assert.True(t, fileutil.FileExists(filepath.Join(root, "diffs", name)))
	assert.True(t, fileutil.FileExists(filepath.Join(root, "whitediffs", name)))
	assert.Equal(t, filepath.Join(root, "diffs", name), dc.DiffPath(expectedLoc, actualLoc))
	assert.Equal(t, 1, dc.Len())
}

func TestAddImagePairConcurrentComputesOnce(t *testing.T) {
	unittest.MediumTest(t)
	ctx := context.Background()
	src := newCountingSource()
	src.gate = make(chan struct{})
	dc := newCache(t, t.TempDir(), src)
	defer func() { assert.NoError(t, dc.Close()) }()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, dc.AddImagePair(ctx, expectedURL, expectedLoc, actualURL, actualLoc))
		}()
	}
	wg.Wait()
	close(src.gate)
	dc.Wait()

	assert.Equal(t, 1, src.numCalls(expectedURL))
	assert.Equal(t, 1, src.numCalls(actualURL))
	_, err := dc.GetDiffRecord(expectedLoc, actualLoc)
	assert.NoError(t, err)

	// Adding again after completion is a no-op too.
	assert.NoError(t, dc.AddImagePair(ctx, expectedURL, expectedLoc, actualURL, actualLoc))
	dc.Wait()
	assert.Equal(t, 1, src.numCalls(expectedURL))
}

func TestImagesAreFetchedOnceAcrossPairs(t *testing.T) {
	unittest.MediumTest(t)
	ctx := context.Background()
	src := newCountingSource()
	dc := newCache(t, t.TempDir(), src)
	defer func() { assert.NoError(t, dc.Close()) }()

	assert.NoError(t, dc.AddImagePair(ctx, expectedURL, expectedLoc, actualURL, actualLoc))
	dc.Wait()
	assert.NoError(t, dc.AddImagePair(ctx, actualURL, actualLoc, expectedURL, expectedLoc))
	dc.Wait()

	rec, err := dc.GetDiffRecord(actualLoc, expectedLoc)
	assert.NoError(t, err)
	assert.Equal(t, 1, rec.NumPixelsDiffering)
	assert.Equal(t, 1, src.numCalls(expectedURL))
	assert.Equal(t, 1, src.numCalls(actualURL))
}

func TestFailureIsIsolatedAndRetryable(t *testing.T) {
	unittest.MediumTest(t)
	ctx := context.Background()
	src := newCountingSource()
	dc := newCache(t, t.TempDir(), src)
	defer func() { assert.NoError(t, dc.Close()) }()

	missingURL := "http://images.example.com/md5/aaclip/3333.png"
	missingLoc := "md5/aaclip/3333"
	assert.NoError(t, dc.AddImagePair(ctx, expectedURL, expectedLoc, missingURL, missingLoc))
	assert.NoError(t, dc.AddImagePair(ctx, expectedURL, expectedLoc, actualURL, actualLoc))

	_, err := dc.WaitForDiffRecord(ctx, expectedLoc, missingLoc)
	assert.True(t, errors.Is(err, ErrDownloadFailure), "%v", err)
	_, err = dc.GetDiffRecord(expectedLoc, missingLoc)
	assert.Equal(t, ErrNotFound, err)

	// The other pair is unaffected.
	_, err = dc.WaitForDiffRecord(ctx, expectedLoc, actualLoc)
	assert.NoError(t, err)

	// Undecodable bytes are a download failure as well.
	src.set(missingURL, []byte("not an image"))
	assert.NoError(t, dc.AddImagePair(ctx, expectedURL, expectedLoc, missingURL, missingLoc))
	_, err = dc.WaitForDiffRecord(ctx, expectedLoc, missingLoc)
	assert.True(t, errors.Is(err, ErrDownloadFailure), "%v", err)

	// Once the image shows up, a retry succeeds.
	src.set(missingURL, text.MustToPNG(oneWhite2x2))
	assert.NoError(t, dc.AddImagePair(ctx, expectedURL, expectedLoc, missingURL, missingLoc))
	rec, err := dc.WaitForDiffRecord(ctx, expectedLoc, missingLoc)
	assert.NoError(t, err)
	assert.Equal(t, 1, rec.NumPixelsDiffering)
	assert.Equal(t, 3, src.numCalls(missingURL))
}

func TestRecordsPersistAcrossInstances(t *testing.T) {
	unittest.MediumTest(t)
	ctx := context.Background()
	root := t.TempDir()

	src := newCountingSource()
	dc := newCache(t, root, src)
	assert.NoError(t, dc.AddImagePair(ctx, expectedURL, expectedLoc, actualURL, actualLoc))
	want, err := dc.WaitForDiffRecord(ctx, expectedLoc, actualLoc)
	assert.NoError(t, err)
	assert.NoError(t, dc.Close())

	src2 := newCountingSource()
	dc2 := newCache(t, root, src2)
	got, err := dc2.GetDiffRecord(expectedLoc, actualLoc)
	assert.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, dc2.AddImagePair(ctx, expectedURL, expectedLoc, actualURL, actualLoc))
	dc2.Wait()
	assert.Equal(t, 0, src2.numCalls(expectedURL))
	assert.NoError(t, dc2.Close())

	// Without the diff images on disk the persisted record is dropped.
	assert.NoError(t, os.Remove(filepath.Join(root, "diffs", DiffName(expectedLoc, actualLoc)+".png")))
	dc3 := newCache(t, root, newCountingSource())
	_, err = dc3.GetDiffRecord(expectedLoc, actualLoc)
	assert.Equal(t, ErrNotFound, err)
	assert.NoError(t, dc3.Close())
}

func TestConcurrentPairsPersist(t *testing.T) {
	unittest.MediumTest(t)
	ctx := context.Background()
	root := t.TempDir()

	const n = 16
	src := newCountingSource()
	locs := make([]string, n)
	for i := range locs {
		locs[i] = fmt.Sprintf("md5/aaclip/%d", 3000+i)
		src.set("http://images.example.com/"+locs[i]+".png", text.MustToPNG(oneWhite2x2))
	}

	dc := newCache(t, root, src)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for _, loc := range locs {
		go func(loc string) {
			defer wg.Done()
			errs <- dc.AddImagePair(ctx, expectedURL, expectedLoc, "http://images.example.com/"+loc+".png", loc)
		}(loc)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	dc.Wait()
	assert.NoError(t, dc.Close())

	dc2 := newCache(t, root, newCountingSource())
	defer func() { assert.NoError(t, dc2.Close()) }()
	assert.Equal(t, n, dc2.Len())
	for _, loc := range locs {
		rec, err := dc2.GetDiffRecord(expectedLoc, loc)
		assert.NoError(t, err, loc)
		assert.Equal(t, 1, rec.NumPixelsDiffering)
	}
}

func TestStorageRootIsExclusive(t *testing.T) {
	unittest.MediumTest(t)
	root := t.TempDir()
	dc := newCache(t, root, newCountingSource())
	_, err := New(root, newCountingSource(), Options{})
	assert.True(t, errors.Is(err, ErrStorageRootLocked), "%v", err)
	assert.NoError(t, dc.Close())

	dc, err = New(root, newCountingSource(), Options{})
	assert.NoError(t, err)
	assert.NoError(t, dc.Close())
}

func TestAddImagePairValidation(t *testing.T) {
	unittest.MediumTest(t)
	ctx := context.Background()
	dc := newCache(t, t.TempDir(), newCountingSource())
	for _, bad := range []string{"", "/abs/path", "a/../b", "a//b", "a/./b", "a\\b", "a/"} {
		assert.Error(t, dc.AddImagePair(ctx, expectedURL, bad, actualURL, actualLoc), bad)
	}
	assert.NoError(t, dc.Close())
	assert.Equal(t, ErrClosed, dc.AddImagePair(ctx, expectedURL, expectedLoc, actualURL, actualLoc))
	// Closing twice is fine.
	assert.NoError(t, dc.Close())
}

func TestWaitForDiffRecordHonorsContext(t *testing.T) {
	unittest.MediumTest(t)
	src := newCountingSource()
	src.gate = make(chan struct{})
	dc := newCache(t, t.TempDir(), src)

	assert.NoError(t, dc.AddImagePair(context.Background(), expectedURL, expectedLoc, actualURL, actualLoc))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := dc.WaitForDiffRecord(ctx, expectedLoc, actualLoc)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)

	// Pending is reported as not found.
	_, err = dc.GetDiffRecord(expectedLoc, actualLoc)
	assert.Equal(t, ErrNotFound, err)

	close(src.gate)
	assert.NoError(t, dc.Close())
	_, err = dc.GetDiffRecord(expectedLoc, actualLoc)
	assert.NoError(t, err)
}

func TestDiffName(t *testing.T) {
	unittest.SmallTest(t)
	assert.Equal(t, "md5_aaclip_1111-vs-md5_aaclip_2222", DiffName(expectedLoc, actualLoc))
	assert.Equal(t, "a-2Eb-20c-vs-x-2Dy", DiffName("a.b c", "x-y"))
}

func TestDiffName_DistinctKeys_DistinctNames(t *testing.T) {
	unittest.SmallTest(t)
	keys := []Key{
		{Expected: "md5/blur.skp/1", Actual: "md5/blur.skp/2"},
		{Expected: "md5/blur_skp/1", Actual: "md5/blur_skp/2"},
		{Expected: "md5/blur-skp/1", Actual: "md5/blur-skp/2"},
		{Expected: "md5/a-vs-b/1", Actual: "md5/c/2"},
		{Expected: "md5/a", Actual: "b/md5/c/2"},
		{Expected: "md5/a-vs-b", Actual: "md5/c/2"},
		{Expected: "md5/a", Actual: "vs-b/md5/c/2"},
	}
	seen := map[string]Key{}
	for _, k := range keys {
		name := DiffName(k.Expected, k.Actual)
		prev, ok := seen[name]
		assert.False(t, ok, "%v and %v both map to %q", prev, k, name)
		seen[name] = k
		assert.Regexp(t, `^[A-Za-z0-9_-]+$`, name)
	}
}
