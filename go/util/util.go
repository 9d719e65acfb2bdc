package util

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
)

// Close wraps an io.Closer and logs an error if one is returned.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		// Don't start the stacktrace here, but at the caller's location
		sklog.ErrorfWithDepth(1, "Failed to Close(): %v", err)
	}
}

// Remove removes the specified file and logs an error if one is returned.
func Remove(name string) {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		sklog.ErrorfWithDepth(1, "Failed to Remove(%s): %v", name, err)
	}
}

// LogErr logs err if it's not nil. This is intended to be used
// for calls where generally a returned error can be ignored.
func LogErr(err error) {
	if err != nil {
		sklog.ErrorfWithDepth(1, "Unexpected error: %s", err)
	}
}

// WithReadFile opens the given file for reading and runs the given function.
func WithReadFile(file string, fn func(f io.Reader) error) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer Close(f)
	return fn(f)
}

// WithWriteFile provides an interface for writing to a backing file using a
// temporary intermediate file in the same directory, renamed into place once
// writeFn succeeds. Readers never observe a partially written file.
func WithWriteFile(file string, writeFn func(io.Writer) error) error {
	tmpName := filepath.Join(filepath.Dir(file), "."+filepath.Base(file)+"."+uuid.New().String())
	f, err := os.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return skerr.Wrapf(err, "creating temporary file for %s", file)
	}
	if err := writeFn(f); err != nil {
		Close(f)
		Remove(tmpName)
		return err
	}
	if err := f.Close(); err != nil {
		Remove(tmpName)
		return skerr.Wrapf(err, "closing temporary file for %s", file)
	}
	if err := os.Rename(tmpName, file); err != nil {
		Remove(tmpName)
		return skerr.Wrapf(err, "renaming temporary file to %s", file)
	}
	return nil
}

// MaxInt returns the largest integer of the arguments provided.
func MaxInt(intList ...int) int {
	ret := intList[0]
	for _, i := range intList[1:] {
		if i > ret {
			ret = i
		}
	}
	return ret
}

// MinInt returns the smaller integer of a and b.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// AbsInt returns the absolute value of v.
func AbsInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// AddParams adds the second instance of map[string]string to the first and
// returns the first map.
func AddParams(a map[string]string, b ...map[string]string) map[string]string {
	if a == nil {
		a = make(map[string]string, len(b))
	}
	for _, oneMap := range b {
		for k, v := range oneMap {
			a[k] = v
		}
	}
	return a
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
