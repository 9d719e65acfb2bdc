package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	assert "github.com/stretchr/testify/require"

	"go.skia.org/rebaseline/go/testutils"
	"go.skia.org/rebaseline/go/testutils/unittest"
	"go.skia.org/rebaseline/rebaseline/go/config"
	"go.skia.org/rebaseline/rebaseline/go/diffcache"
	"go.skia.org/rebaseline/rebaseline/go/image/text"
)

const (
	imgBlack = `! SKTEXTSIMPLE
2 2
0x00 0x00
0x00 0x00`

	imgOneWhite = `! SKTEXTSIMPLE
2 2
0xff 0x00
0x00 0x00`

	manifestA = `{
  "header": {"type": "ChecksummedImages", "revision": 1},
  "actual-results": {
    "succeeded": {
      "foo_8888.png": ["bitmap-64bitMD5", 1],
      "bar_8888.png": ["bitmap-64bitMD5", 2]
    }
  }
}`

	manifestB = `{
  "header": {"type": "ChecksummedImages", "revision": 1},
  "actual-results": {
    "succeeded": {
      "foo_8888.png": ["bitmap-64bitMD5", 1]
    },
    "failed": {
      "bar_8888.png": ["bitmap-64bitMD5", 3]
    },
    "no-comparison": {
      "baz_565.png": ["bitmap-64bitMD5", 4]
    }
  }
}`
)

// setup writes two manifest sets and the images they reference and returns
// a config comparing them.
func setup(t *testing.T) *config.ServerConfig {
	dir := t.TempDir()
	testutils.WriteFile(t, dir, "a/Test-Linux/actual-results.json", manifestA)
	testutils.WriteFile(t, dir, "b/Test-Linux/actual-results.json", manifestB)
	testutils.WriteFile(t, dir, "imagesA/bitmap-64bitMD5/bar/2.png", string(text.MustToPNG(imgBlack)))
	testutils.WriteFile(t, dir, "imagesB/bitmap-64bitMD5/bar/3.png", string(text.MustToPNG(imgOneWhite)))
	return &config.ServerConfig{
		StorageRoot:     filepath.Join(dir, "root"),
		SetA:            filepath.Join(dir, "a"),
		SetB:            filepath.Join(dir, "b"),
		SetADescription: "expected",
		SetBDescription: "actual",
		ImageBaseURLA:   filepath.Join(dir, "imagesA"),
		ImageBaseURLB:   filepath.Join(dir, "imagesB"),
		NoPersist:       true,
		Port:            ":8000",
	}
}

func TestCompare_WritesReportAndSummary(t *testing.T) {
	unittest.MediumTest(t)
	cfg := setup(t)
	output := filepath.Join(t.TempDir(), "report.json")

	var out bytes.Buffer
	err := compare(context.Background(), cfg, &compareFlags{Output: output}, &out)
	assert.NoError(t, err)

	summary := out.String()
	assert.Contains(t, summary, "succeeded")
	assert.Contains(t, summary, "noComparison")
	assert.Contains(t, summary, "Skipped: 0")

	b, err := os.ReadFile(output)
	assert.NoError(t, err)
	var report struct {
		ImagePairs []struct {
			IsDifferent    bool                   `json:"isDifferent"`
			DifferenceData map[string]interface{} `json:"differenceData"`
		} `json:"imagePairs"`
	}
	assert.NoError(t, json.Unmarshal(b, &report))
	assert.Len(t, report.ImagePairs, 3)
	withDiffs := 0
	for _, p := range report.ImagePairs {
		if p.DifferenceData != nil {
			withDiffs++
			assert.True(t, p.IsDifferent)
			assert.Equal(t, float64(1), p.DifferenceData["numDifferingPixels"])
		}
	}
	assert.Equal(t, 1, withDiffs)

	diffName := diffcache.DiffName("bitmap-64bitMD5/bar/2", "bitmap-64bitMD5/bar/3") + ".png"
	_, err = os.Stat(filepath.Join(cfg.StorageRoot, diffcache.DIFF_DIR_NAME, diffName))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.StorageRoot, diffcache.WHITEDIFF_DIR_NAME, diffName))
	assert.NoError(t, err)
}

func TestCompare_FailuresOnly(t *testing.T) {
	unittest.MediumTest(t)
	cfg := setup(t)
	output := filepath.Join(t.TempDir(), "report.json")

	var out bytes.Buffer
	assert.NoError(t, compare(context.Background(), cfg, &compareFlags{Output: output, FailuresOnly: true}, &out))

	b, err := os.ReadFile(output)
	assert.NoError(t, err)
	var report struct {
		ImagePairs []json.RawMessage `json:"imagePairs"`
	}
	assert.NoError(t, json.Unmarshal(b, &report))
	assert.Len(t, report.ImagePairs, 2)
}

func TestCompareSets_UntiledWithoutBaseURLs_ReturnsError(t *testing.T) {
	unittest.MediumTest(t)
	cfg := setup(t)
	cfg.ImageBaseURLB = ""
	dc, err := newDiffCache(context.Background(), cfg)
	assert.NoError(t, err)
	defer testutils.CloseInTest(t, dc)

	_, err = compareSets(context.Background(), cfg, dc, "/img")
	assert.Error(t, err)
}

func TestApplyServeFlags(t *testing.T) {
	unittest.SmallTest(t)
	cfg := &config.ServerConfig{Port: ":8000", PromPort: ":20000"}
	applyServeFlags(cfg, &serveFlags{})
	assert.Equal(t, ":8000", cfg.Port)
	assert.Equal(t, ":20000", cfg.PromPort)

	applyServeFlags(cfg, &serveFlags{Port: ":9000", PromPort: ":30000"})
	assert.Equal(t, ":9000", cfg.Port)
	assert.Equal(t, ":30000", cfg.PromPort)
}
