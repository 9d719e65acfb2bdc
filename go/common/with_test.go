package common

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"go.skia.org/rebaseline/go/testutils/unittest"
)

type countingOpt struct {
	ord   int
	calls *[]string
	name  string
}

func (c *countingOpt) order() int { return c.ord }

func (c *countingOpt) preinit(string) error {
	*c.calls = append(*c.calls, "pre-"+c.name)
	return nil
}

func (c *countingOpt) init(string) error {
	*c.calls = append(*c.calls, "init-"+c.name)
	return nil
}

func TestInitWith_RunsOptsInOrder_Success(t *testing.T) {
	unittest.SmallTest(t)
	var calls []string
	err := InitWith("my-app-name",
		&countingOpt{ord: 5, calls: &calls, name: "late"},
		&countingOpt{ord: 2, calls: &calls, name: "early"},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"pre-early", "pre-late", "init-early", "init-late"}, calls)
}

func TestInitWith_DuplicateOpts_ReturnsError(t *testing.T) {
	unittest.SmallTest(t)
	var calls []string
	err := InitWith("my-app-name",
		&countingOpt{ord: 2, calls: &calls, name: "a"},
		&countingOpt{ord: 2, calls: &calls, name: "b"},
	)
	require.Error(t, err)
	require.Empty(t, calls)
}

func TestMetricsHandler_ServesMetrics(t *testing.T) {
	unittest.SmallTest(t)
	w := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
