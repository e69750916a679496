// Package stats persists last-open timestamps for objects in the hot tier.
// The eviction pass uses the absence of a stats entry as the signal that an
// object has gone cold.
package stats

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/buryhuang/routefs/internal/index"
)

const dbName = ".stats"

// Index maps logical paths to the time they were last opened. Values are
// stored as decimal ASCII seconds since the epoch. Stats tracks the hot
// tier only.
type Index struct {
	db *index.DB
}

// Open opens the stats database under metaRoot.
func Open(metaRoot string) (*Index, error) {
	db, err := index.Open(filepath.Join(metaRoot, dbName), true)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats index: %w", err)
	}
	return &Index{db: db}, nil
}

// Set records t as the last-open time of path, overwriting any prior value.
func (s *Index) Set(path string, t time.Time) error {
	return s.db.Put([]byte(path), []byte(strconv.FormatInt(t.Unix(), 10)))
}

// Get returns the last-open time of path, or index.ErrNotFound.
func (s *Index) Get(path string) (time.Time, error) {
	v, err := s.db.Get([]byte(path))
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("stats: bad timestamp for %s: %w", path, err)
	}
	return time.Unix(secs, 0), nil
}

// Delete removes the entry for path.
func (s *Index) Delete(path string) error {
	return s.db.Delete([]byte(path))
}

// List returns the basenames of the immediate children of prefix, with the
// same semantics as the object map listing.
func (s *Index) List(prefix string) ([]string, error) {
	var names []string
	err := s.db.Iter(func(key, _ []byte) bool {
		if name, ok := index.DirectChild(prefix, string(key)); ok {
			names = append(names, name)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Dump writes the full index contents to the logger.
func (s *Index) Dump(logger *slog.Logger) error {
	logger.Info("stats dump start")
	err := s.db.Iter(func(key, value []byte) bool {
		logger.Info("stats entry", "path", string(key), "last_open", string(value))
		return true
	})
	logger.Info("stats dump done")
	return err
}

// Close closes the database.
func (s *Index) Close() error {
	return s.db.Close()
}
