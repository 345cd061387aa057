package convo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FilePersister stores the history as a pretty-printed JSON array.
type FilePersister struct {
	Path string
}

func (f FilePersister) Load() ([]Exchange, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var items []Exchange
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", f.Path, err)
	}
	return items, nil
}

// Save writes to a temp file and renames it over the old history.
func (f FilePersister) Save(items []Exchange) error {
	if items == nil {
		items = []Exchange{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename history: %w", err)
	}
	return nil
}

var (
	historyBucket = []byte("history")
	exchangesKey  = []byte("exchanges")
)

// BoltPersister stores the history as one JSON value in a bbolt file.
// The database is opened per call so CLI tools can share the file with a
// running bot between writes.
type BoltPersister struct {
	Path string
}

func (b BoltPersister) open() (*bolt.DB, error) {
	if dir := filepath.Dir(b.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := bolt.Open(b.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	return db, nil
}

func (b BoltPersister) Load() ([]Exchange, error) {
	db, err := b.open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	var items []Exchange
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(historyBucket)
		if bucket == nil {
			return nil
		}
		v := bucket.Get(exchangesKey)
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return items, nil
}

func (b BoltPersister) Save(items []Exchange) error {
	if items == nil {
		items = []Exchange{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	db, err := b.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(historyBucket)
		if err != nil {
			return fmt.Errorf("create history bucket: %w", err)
		}
		return bucket.Put(exchangesKey, data)
	})
}

// NewPersister picks the persister for a configured backend name.
func NewPersister(backend, path string) (Persister, error) {
	switch backend {
	case "", "file":
		return FilePersister{Path: path}, nil
	case "bolt":
		return BoltPersister{Path: path}, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", backend)
	}
}
