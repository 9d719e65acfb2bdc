package diffcache

import (
	"encoding/json"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/rebaseline/go/diff"
)

const (
	// RECORDS_DB_NAME is the name of the boltdb file holding diff records.
	RECORDS_DB_NAME = "diffrecords.db"

	recordsBucket = "diffrecords"
)

// recordStore persists DiffRecords so a restarted process does not recompute
// diffs whose artifacts are still on disk.
type recordStore struct {
	db *bolt.DB
}

// storedRecord is the value written for each key.
type storedRecord struct {
	Expected string           `json:"expected"`
	Actual   string           `json:"actual"`
	Record   *diff.DiffRecord `json:"record"`
}

func openRecordStore(storageRoot string) (*recordStore, error) {
	db, err := bolt.Open(filepath.Join(storageRoot, RECORDS_DB_NAME), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, skerr.Wrapf(err, "opening %s in %s", RECORDS_DB_NAME, storageRoot)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordsBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, skerr.Wrapf(err, "creating bucket %s", recordsBucket)
	}
	return &recordStore{db: db}, nil
}

func (k Key) storeKey() []byte {
	return []byte(k.Expected + "\x00" + k.Actual)
}

func (r *recordStore) put(k Key, rec *diff.DiffRecord) error {
	b, err := json.Marshal(&storedRecord{Expected: k.Expected, Actual: k.Actual, Record: rec})
	if err != nil {
		return skerr.Wrap(err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(recordsBucket)).Put(k.storeKey(), b)
	})
}

func (r *recordStore) delete(k Key) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(recordsBucket)).Delete(k.storeKey())
	})
}

// loadAll calls fn for every stored record. Records that fail to decode are
// logged and skipped.
func (r *recordStore) loadAll(fn func(Key, *diff.DiffRecord)) error {
	return r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(recordsBucket)).ForEach(func(k, v []byte) error {
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil || sr.Record == nil {
				sklog.Warningf("Skipping undecodable diff record %q: %v", k, err)
				return nil
			}
			fn(Key{Expected: sr.Expected, Actual: sr.Actual}, sr.Record)
			return nil
		})
	})
}

func (r *recordStore) close() error {
	return r.db.Close()
}
