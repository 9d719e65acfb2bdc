// Package expstorage stores the expectations edited by reviewers.
package expstorage

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.skia.org/rebaseline/go/fileutil"
	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/go/util"
	"go.skia.org/rebaseline/rebaseline/go/types"
)

// ExpectationsStore persists expectation edits.
type ExpectationsStore interface {
	// Get returns the current per-builder expectations.
	Get(ctx context.Context) (map[string]types.Expectations, error)

	// Modify applies the edits on top of the current expectations and records
	// them in the log.
	Modify(ctx context.Context, edits []types.Edit) error

	// QueryLog returns the recorded changes, newest first.
	QueryLog(ctx context.Context) ([]LogEntry, error)
}

// LogEntry records one call to Modify.
type LogEntry struct {
	ID string `json:"id"`
	// TS is milliseconds since the epoch.
	TS    int64        `json:"ts"`
	Edits []types.Edit `json:"edits"`
}

// fileContents is what a FileStore writes to disk.
type fileContents struct {
	Expectations map[string]types.Expectations `json:"expectations"`
	Log          []LogEntry                    `json:"log"`
}

// FileStore keeps the expectations in a JSON file. It is safe for concurrent
// use within one process.
type FileStore struct {
	path string

	mtx      sync.Mutex
	contents fileContents
}

// NewFileStore returns a store backed by path. The file is created on the
// first Modify if it does not exist.
func NewFileStore(path string) (*FileStore, error) {
	ret := &FileStore{
		path: path,
		contents: fileContents{
			Expectations: map[string]types.Expectations{},
		},
	}
	if !fileutil.FileExists(path) {
		return ret, nil
	}
	err := util.WithReadFile(path, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&ret.contents)
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "reading expectations from %s", path)
	}
	if ret.contents.Expectations == nil {
		ret.contents.Expectations = map[string]types.Expectations{}
	}
	return ret, nil
}

// Get implements ExpectationsStore.
func (f *FileStore) Get(ctx context.Context) (map[string]types.Expectations, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return types.ApplyEdits(f.contents.Expectations, nil), nil
}

// Modify implements ExpectationsStore.
func (f *FileStore) Modify(ctx context.Context, edits []types.Edit) error {
	if len(edits) == 0 {
		return nil
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	next := fileContents{
		Expectations: types.ApplyEdits(f.contents.Expectations, edits),
		Log: append([]LogEntry{{
			ID:    uuid.New().String(),
			TS:    time.Now().UnixNano() / int64(time.Millisecond),
			Edits: edits,
		}}, f.contents.Log...),
	}
	err := util.WithWriteFile(f.path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(next)
	})
	if err != nil {
		return skerr.Wrapf(err, "writing expectations to %s", f.path)
	}
	f.contents = next
	sklog.Infof("Applied %d expectation edits to %s", len(edits), f.path)
	return nil
}

// QueryLog implements ExpectationsStore.
func (f *FileStore) QueryLog(ctx context.Context) ([]LogEntry, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]LogEntry(nil), f.contents.Log...), nil
}

// Make sure FileStore fulfills the ExpectationsStore interface.
var _ ExpectationsStore = (*FileStore)(nil)
