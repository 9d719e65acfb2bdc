package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.skia.org/rebaseline/go/testutils/unittest"
	"go.skia.org/rebaseline/rebaseline/go/classifier"
	"go.skia.org/rebaseline/rebaseline/go/diff"
	"go.skia.org/rebaseline/rebaseline/go/imagepair"
	"go.skia.org/rebaseline/rebaseline/go/manifest"
	"go.skia.org/rebaseline/rebaseline/go/paircollection"
	"go.skia.org/rebaseline/rebaseline/go/types"
)

type mockModifier struct {
	mock.Mock
}

func (m *mockModifier) Modify(ctx context.Context, edits []types.Edit) error {
	return m.Called(ctx, edits).Error(0)
}

// neverDone is a DiffSource whose diffs never finish.
type neverDone struct{}

func (neverDone) AddImagePair(ctx context.Context, expectedURL, expectedLocator, actualURL, actualLocator string) error {
	return nil
}

func (neverDone) WaitForDiffRecord(ctx context.Context, expectedLocator, actualLocator string) (*diff.DiffRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func testResults(t *testing.T, diffs imagepair.DiffSource) *classifier.Results {
	parse := func(doc string) *manifest.Manifest {
		m, errs, err := manifest.Parse(strings.NewReader(`{"header": {"type": "ChecksummedImages", "revision": 1}, "actual-results": {"succeeded": {` + doc + `}}}`))
		require.NoError(t, err)
		require.Empty(t, errs)
		return m
	}
	c := classifier.New(diffs, classifier.Options{
		DescriptionA: "expected",
		DescriptionB: "actual",
		BaseURLA:     "http://images.example.com",
		BaseURLB:     "http://images.example.com",
		DiffBaseURL:  "/img",
	})
	r, err := c.Compare(context.Background(),
		manifest.Set{"Test-Mac": parse(`"aaclip_8888.png": ["md5", "A"], "blur_gpu.png": ["md5", "B"]`)},
		manifest.Set{"Test-Mac": parse(`"aaclip_8888.png": ["md5", "A"], "blur_gpu.png": ["md5", "B2"]`)})
	require.NoError(t, err)
	return r
}

func TestResultsHandler(t *testing.T) {
	unittest.SmallTest(t)
	s := NewServer(testResults(t, nil), "", nil, 0)
	h := s.Handler()

	for kind, want := range map[string]int{RESULTS_ALL: 2, RESULTS_FAILURES: 1} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/json/results/"+kind, nil))
		require.Equal(t, http.StatusOK, w.Code, kind)
		assert.Equal(t, jsonContentType, w.Header().Get(contentTypeHeader))

		report := paircollection.Report{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Len(t, report.ImagePairs, want, kind)
		assert.Equal(t, []string{"builder", "config", "resultType", "test"}, report.ExtraColumnOrder)
		assert.Equal(t, "/img/diffs", report.ImageSets[paircollection.IMAGE_SET_DIFFS].BaseURL)
	}
}

func TestResultsHandler_PendingDiffs_ServesPartialReport(t *testing.T) {
	unittest.SmallTest(t)
	s := NewServer(testResults(t, neverDone{}), "", nil, 20*time.Millisecond)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/json/results/"+RESULTS_ALL, nil))
	require.Equal(t, http.StatusOK, w.Code)

	report := paircollection.Report{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.Len(t, report.ImagePairs, 2)
	assert.Equal(t, 1, report.PendingDiffs)
	for _, p := range report.ImagePairs {
		assert.Nil(t, p.DifferenceData)
		assert.Equal(t, p.ExtraColumns["resultType"] == "failed", p.DiffPending)
	}
}

func TestResultsHandlerUnknownType(t *testing.T) {
	unittest.SmallTest(t)
	s := NewServer(testResults(t, nil), "", nil, 0)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/json/results/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSummaryHandler(t *testing.T) {
	unittest.SmallTest(t)
	s := NewServer(testResults(t, nil), "", nil, 0)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/json/summary", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"all": {"failed": 1, "noComparison": 0, "succeeded": 1},
		"failures": {"failed": 1, "noComparison": 0, "succeeded": 0},
		"skipped": 0,
		"warnings": []
	}`, w.Body.String())
}

func TestEditsHandler(t *testing.T) {
	unittest.SmallTest(t)
	mm := &mockModifier{}
	want := []types.Edit{{
		Builder:  "Test-Mac",
		Test:     "blur",
		Config:   "gpu",
		Expected: types.Checksum{HashType: "md5", HashDigest: "B2"},
	}}
	mm.On("Modify", mock.Anything, want).Return(nil).Once()
	s := NewServer(testResults(t, nil), "", mm, 0)

	body := `{"edits": [{"builder": "Test-Mac", "test": "blur", "config": "gpu", "expected": ["md5", "B2"]}]}`
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/json/edits", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"applied": 1}`, w.Body.String())
	mm.AssertExpectations(t)
}

func TestEditsHandlerErrors(t *testing.T) {
	unittest.SmallTest(t)
	mm := &mockModifier{}
	mm.On("Modify", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	s := NewServer(testResults(t, nil), "", mm, 0)
	h := s.Handler()

	for _, tc := range []struct {
		body string
		code int
	}{
		{body: `not json`, code: http.StatusBadRequest},
		{body: `{"edits": []}`, code: http.StatusBadRequest},
		{body: `{"edits": [{"test": "blur", "expected": ["md5", "B2"]}]}`, code: http.StatusBadRequest},
		{body: `{"edits": [{"test": "blur", "config": "gpu"}]}`, code: http.StatusBadRequest},
		{body: `{"edits": [{"test": "blur", "config": "gpu", "expected": ["md5", "B2"]}]}`, code: http.StatusInternalServerError},
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/json/edits", strings.NewReader(tc.body)))
		assert.Equal(t, tc.code, w.Code, tc.body)
	}

	// GET is not routed.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/json/edits", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestEditsHandlerWithoutModifier(t *testing.T) {
	unittest.SmallTest(t)
	s := NewServer(testResults(t, nil), "", nil, 0)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/json/edits", strings.NewReader(`{"edits": []}`)))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestHealthzAndImages(t *testing.T) {
	unittest.MediumTest(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "diffs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "diffs", "a-vs-b.png"), []byte("png bytes"), 0644))
	s := NewServer(testResults(t, nil), root, nil, 0)
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/img/diffs/a-vs-b.png", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "png bytes", w.Body.String())
}

func TestHandlerAllowsCrossOriginReads(t *testing.T) {
	unittest.SmallTest(t)
	s := NewServer(testResults(t, nil), "", nil, 0)
	r := httptest.NewRequest(http.MethodGet, "/json/summary", nil)
	r.Header.Set("Origin", "http://viewer.example.com")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
