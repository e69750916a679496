// Package postprocess persists the queue of pending tier migrations and the
// monotonic object-id counter that guards deletions against concurrent
// overwrites.
package postprocess

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/buryhuang/routefs/internal/index"
)

const dbName = ".postprocess"

// objGIDKey is the reserved key holding the persisted obj-id counter.
// Reserved keys use the __...__ shape and are never treated as queue
// entries.
const objGIDKey = "__obj_gid__"

// CtlPath is the control-channel file; it is filtered out of the queue so
// admin opens never schedule migrations.
const CtlPath = "/.ifsctl"

// Item pairs a queued logical path with its entry, for snapshot iteration.
type Item struct {
	Path  string
	Entry Entry
}

// Queue is the persistent post-process queue. Every operation takes the
// queue lock for its full duration; the obj-id counter is only mutated
// under that lock.
type Queue struct {
	mu    sync.Mutex
	db    *index.DB
	objID uint64
}

func isReservedKey(key string) bool {
	return strings.HasPrefix(key, "__") && strings.HasSuffix(key, "__")
}

// Open opens the queue database under metaRoot and reloads the persisted
// obj-id counter, starting from zero when none exists.
func Open(metaRoot string) (*Queue, error) {
	db, err := index.Open(filepath.Join(metaRoot, dbName), true)
	if err != nil {
		return nil, fmt.Errorf("failed to open post-process queue: %w", err)
	}
	q := &Queue{db: db}

	v, err := db.Get([]byte(objGIDKey))
	switch {
	case err == nil:
		e, err := decodeEntry(v)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to decode obj-id counter: %w", err)
		}
		q.objID = e.ObjID
	case errors.Is(err, index.ErrNotFound):
		q.objID = 0
	default:
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// nextObjID increments the counter and persists it before returning. Caller
// must hold the queue lock.
func (q *Queue) nextObjID() (uint64, error) {
	q.objID++
	rec := Entry{State: StateQueued, ObjID: q.objID}
	buf, err := rec.encode()
	if err != nil {
		return 0, err
	}
	if err := q.db.Put([]byte(objGIDKey), buf); err != nil {
		return 0, err
	}
	return q.objID, nil
}

// Set queues path with the given state and store roots, if and only if no
// entry exists for it yet. An already-queued path keeps its original entry
// and obj-id. The counter and the entry are persisted before Set returns.
func (q *Queue) Set(path string, state int32, stores ...string) error {
	if path == CtlPath {
		return nil
	}
	if len(stores) == 0 || len(stores) > MaxStoreLevel {
		return fmt.Errorf("postprocess: set %s: want 1..%d store paths, got %d", path, MaxStoreLevel, len(stores))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Get([]byte(path))
	if err == nil {
		// Insert-if-absent: the queued work keeps its identity.
		return nil
	}
	if !errors.Is(err, index.ErrNotFound) {
		return err
	}

	id, err := q.nextObjID()
	if err != nil {
		return err
	}
	e := Entry{StorePaths: stores, State: state, ObjID: id}
	buf, err := e.encode()
	if err != nil {
		return err
	}
	return q.db.Put([]byte(path), buf)
}

// Get returns the queued entry for path, or index.ErrNotFound.
func (q *Queue) Get(path string) (Entry, error) {
	if path == CtlPath {
		return Entry{}, index.ErrNotFound
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	v, err := q.db.Get([]byte(path))
	if err != nil {
		return Entry{}, err
	}
	return decodeEntry(v)
}

// Delete removes the entry for path, but only when the stored entry still
// carries caller.ObjID. A mismatch means the path was re-queued after the
// caller read its copy; the newer work survives and the delete is
// suppressed. The reserved counter key is never deleted. A missing entry is
// not an error.
func (q *Queue) Delete(path string, caller Entry) error {
	if isReservedKey(path) {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	v, err := q.db.Get([]byte(path))
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	stored, err := decodeEntry(v)
	if err != nil {
		return err
	}
	if stored.ObjID != caller.ObjID {
		return nil
	}
	return q.db.Delete([]byte(path))
}

// List returns the basenames of queued paths that are immediate children of
// prefix.
func (q *Queue) List(prefix string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var names []string
	err := q.db.Iter(func(key, _ []byte) bool {
		k := string(key)
		if isReservedKey(k) {
			return true
		}
		if name, ok := index.DirectChild(prefix, k); ok {
			names = append(names, name)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Snapshot returns all queued items in key order, skipping reserved keys.
// The post-processor iterates this copy so migrations run outside the queue
// lock.
func (q *Queue) Snapshot() ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var items []Item
	var decodeErr error
	err := q.db.Iter(func(key, value []byte) bool {
		k := string(key)
		if isReservedKey(k) {
			return true
		}
		e, err := decodeEntry(value)
		if err != nil {
			decodeErr = fmt.Errorf("entry %s: %w", k, err)
			return false
		}
		items = append(items, Item{Path: k, Entry: e})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return items, nil
}

// Dump writes the queue contents to the logger.
func (q *Queue) Dump(logger *slog.Logger) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	logger.Info("postprocess dump start", "obj_gid", q.objID)
	err := q.db.Iter(func(key, value []byte) bool {
		k := string(key)
		if isReservedKey(k) {
			return true
		}
		e, err := decodeEntry(value)
		if err != nil {
			logger.Error("postprocess entry undecodable", "path", k, "error", err)
			return true
		}
		logger.Info("postprocess entry", "path", k, "obj_id", e.ObjID, "state", e.State, "stores", e.StorePaths)
		return true
	})
	logger.Info("postprocess dump done")
	return err
}

// Close closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Close()
}
