// Package objmap persists the placement of every routed object: which store
// root currently holds its hot (L1) and, in cache mode, cold (L2) copy.
package objmap

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/buryhuang/routefs/internal/index"
)

// Level selects one of the two object maps.
type Level int

const (
	// L1 tracks the hot copy of an object.
	L1 Level = 1
	// L2 tracks the cold copy, present only in cache mode.
	L2 Level = 2
)

// Database directory names under the meta root.
const (
	l1DBName = ".objmap"
	l2DBName = ".objmap2"
)

// Map is the two-level persistent object map. Keys are logical paths,
// values are store roots.
type Map struct {
	l1 *index.DB
	l2 *index.DB
}

// Open opens the L1 map, and the L2 map when cacheMode is set, under
// metaRoot.
func Open(metaRoot string, cacheMode bool) (*Map, error) {
	l1, err := index.Open(filepath.Join(metaRoot, l1DBName), true)
	if err != nil {
		return nil, fmt.Errorf("failed to open L1 object map: %w", err)
	}
	m := &Map{l1: l1}

	if cacheMode {
		l2, err := index.Open(filepath.Join(metaRoot, l2DBName), true)
		if err != nil {
			_ = l1.Close()
			return nil, fmt.Errorf("failed to open L2 object map: %w", err)
		}
		m.l2 = l2
	}
	return m, nil
}

func (m *Map) db(level Level) (*index.DB, error) {
	switch level {
	case L1:
		return m.l1, nil
	case L2:
		if m.l2 == nil {
			return nil, fmt.Errorf("objmap: L2 not open")
		}
		return m.l2, nil
	}
	return nil, fmt.Errorf("objmap: invalid level %d", level)
}

// Set records that the object at path lives under store.
func (m *Map) Set(path, store string, level Level) error {
	db, err := m.db(level)
	if err != nil {
		return err
	}
	return db.Put([]byte(path), []byte(store))
}

// Get returns the store root holding path, or index.ErrNotFound.
func (m *Map) Get(path string, level Level) (string, error) {
	db, err := m.db(level)
	if err != nil {
		return "", err
	}
	v, err := db.Get([]byte(path))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Delete removes the entry for path.
func (m *Map) Delete(path string, level Level) error {
	db, err := m.db(level)
	if err != nil {
		return err
	}
	return db.Delete([]byte(path))
}

// List returns the basenames of the immediate children of prefix. The
// prefix carries no trailing slash except for the root "/"; descendants
// deeper than one level are excluded.
func (m *Map) List(prefix string, level Level) ([]string, error) {
	db, err := m.db(level)
	if err != nil {
		return nil, err
	}
	var names []string
	err = db.Iter(func(key, _ []byte) bool {
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

// Walk calls fn for every (path, store) entry at level, in key order.
// Iteration stops when fn returns false.
func (m *Map) Walk(level Level, fn func(path, store string) bool) error {
	db, err := m.db(level)
	if err != nil {
		return err
	}
	return db.Iter(func(key, value []byte) bool {
		return fn(string(key), string(value))
	})
}

// Dump writes the full contents of level to the logger.
func (m *Map) Dump(level Level, logger *slog.Logger) error {
	db, err := m.db(level)
	if err != nil {
		return err
	}
	logger.Info("objmap dump start", "level", int(level))
	err = db.Iter(func(key, value []byte) bool {
		logger.Info("objmap entry", "level", int(level), "path", string(key), "store", string(value))
		return true
	})
	logger.Info("objmap dump done", "level", int(level))
	return err
}

// HasL2 reports whether the cold map is open (cache mode).
func (m *Map) HasL2() bool {
	return m.l2 != nil
}

// Close closes both maps.
func (m *Map) Close() error {
	err := m.l1.Close()
	if m.l2 != nil {
		if err2 := m.l2.Close(); err == nil {
			err = err2
		}
	}
	return err
}
