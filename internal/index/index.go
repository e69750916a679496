// Package index wraps an embedded ordered key-value store. Every persistent
// map in routefs (object maps, stats, the post-process queue) is one of these
// databases on disk under the meta root.
package index

import (
	"errors"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// ErrNotFound is returned by Get when the key has no entry. It never
// surfaces to the filesystem layer as an errno; callers use it to drive
// routing decisions.
var ErrNotFound = errors.New("index: key not found")

// syncWrites makes every Put/Delete durable before it returns. Foreground
// operations acknowledge only after their index updates are persisted.
var syncWrites = &opt.WriteOptions{Sync: true}

// DB is an ordered persistent map over byte keys and opaque byte values.
type DB struct {
	path string
	ldb  *leveldb.DB
}

// Open opens the database at path, creating it when createIfMissing is set.
func Open(path string, createIfMissing bool) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{
		ErrorIfMissing: !createIfMissing,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", path, err)
	}
	return &DB{path: path, ldb: ldb}, nil
}

// Path returns the on-disk location of the database.
func (d *DB) Path() string {
	return d.path
}

// Put stores value under key, durably.
func (d *DB) Put(key, value []byte) error {
	if err := d.ldb.Put(key, value, syncWrites); err != nil {
		return fmt.Errorf("index put %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (d *DB) Get(key []byte) ([]byte, error) {
	value, err := d.ldb.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index get %q: %w", key, err)
	}
	return value, nil
}

// Delete removes key, durably. Deleting an absent key is not an error.
func (d *DB) Delete(key []byte) error {
	if err := d.ldb.Delete(key, syncWrites); err != nil {
		return fmt.Errorf("index delete %q: %w", key, err)
	}
	return nil
}

// Iter calls fn for every (key, value) pair in key-ascending order starting
// from the smallest key. Iteration stops early when fn returns false. The
// slices passed to fn are only valid for the duration of the call.
func (d *DB) Iter(fn func(key, value []byte) bool) error {
	it := d.ldb.NewIterator(nil, nil)
	defer it.Release()

	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("index scan: %w", err)
	}
	return nil
}

// Close closes the underlying store.
func (d *DB) Close() error {
	return d.ldb.Close()
}

// DirectChild reports whether key names an immediate child of the directory
// prefix, and if so returns its basename. The prefix carries no trailing
// separator except for the root "/". Descendants deeper than one level do
// not match.
func DirectChild(prefix, key string) (string, bool) {
	preLoc := strings.LastIndexByte(key, '/')
	if preLoc < 0 {
		return "", false
	}
	if preLoc+1 != len(prefix) && preLoc != len(prefix) {
		return "", false
	}
	if key[:preLoc+1] != prefix && key[:preLoc] != prefix {
		return "", false
	}
	name := key[preLoc+1:]
	if name == "" {
		return "", false
	}
	return name, true
}
