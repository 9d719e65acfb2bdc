// Convenience utilities for testing.
package testutils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	assert "github.com/stretchr/testify/require"
)

// TestDataDir returns the path to the caller's testdata directory, which
// is assumed to be "<path to caller dir>/testdata".
func TestDataDir() (string, error) {
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("Could not find test data dir: runtime.Caller() failed.")
	}
	for skip := 0; ; skip++ {
		_, file, _, ok := runtime.Caller(skip)
		if !ok {
			return "", fmt.Errorf("Could not find test data dir: runtime.Caller() failed.")
		}
		if file != thisFile {
			return filepath.Join(filepath.Dir(file), "testdata"), nil
		}
	}
}

// MustReadFile reads a file from the caller's testdata directory and panics on
// error.
func MustReadFile(filename string) string {
	dir, err := TestDataDir()
	if err != nil {
		panic(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		panic(err)
	}
	return string(b)
}

// WriteFile writes contents to dir/name, creating parent directories.
func WriteFile(t assert.TestingT, dir, name, contents string) string {
	p := filepath.Join(dir, name)
	assert.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	assert.NoError(t, os.WriteFile(p, []byte(contents), 0644))
	return p
}

// CloseInTest takes an io.Closer and fails the test if Close() returns an error.
func CloseInTest(t assert.TestingT, c io.Closer) {
	assert.NoError(t, c.Close())
}
