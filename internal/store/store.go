// Package store manages the physical backing directories: the registered
// store roots, the source/target tier pair, multi-store namespace
// operations, and the block-copy migration engine that moves objects
// between tiers.
package store

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// Tier describes one of the two cache tiers. Root is the store root
// directory; IsCached marks the hot tier in cache mode, where demotion
// copies instead of moving.
type Tier struct {
	Root     string
	IsCached bool
}

// Registry holds the registered store roots and the tier pair. Tier names
// are bound here, after the roots are known, never at construction time.
//
// The target store doubles as the directory namespace the filesystem
// operations maintain directly, so the multi-store sweeps (Mkdir, Rename,
// Rmdir) cover every other registered store.
type Registry struct {
	source Tier
	target Tier
	valid  []string
	sweep  []string
	log    *slog.Logger
}

// Config declares the store layout.
type Config struct {
	// SourceRoot is the hot/staging tier root.
	SourceRoot string
	// TargetRoot is the cold/archival tier root. It backs the directory
	// namespace as well.
	TargetRoot string
	// AdditionalRoots lists extra valid stores usable as type-route
	// destinations.
	AdditionalRoots []string
	// CacheMode keeps hot and cold copies concurrently.
	CacheMode bool
}

// NewRegistry validates cfg and builds the registry. Source and target
// roots are registered as valid stores along with any additional roots.
func NewRegistry(cfg Config, logger *slog.Logger) (*Registry, error) {
	if cfg.SourceRoot == "" || cfg.TargetRoot == "" {
		return nil, fmt.Errorf("store: source and target roots must be set")
	}
	if cfg.SourceRoot == cfg.TargetRoot {
		return nil, fmt.Errorf("store: source and target roots must differ")
	}
	r := &Registry{
		source: Tier{Root: cfg.SourceRoot, IsCached: cfg.CacheMode},
		target: Tier{Root: cfg.TargetRoot},
		valid:  append([]string{cfg.TargetRoot, cfg.SourceRoot}, cfg.AdditionalRoots...),
		sweep:  append([]string{cfg.SourceRoot}, cfg.AdditionalRoots...),
		log:    logger,
	}
	return r, nil
}

// Source returns the hot tier.
func (r *Registry) Source() Tier { return r.source }

// Target returns the cold tier.
func (r *Registry) Target() Tier { return r.target }

// CacheMode reports whether the hot tier keeps cached copies.
func (r *Registry) CacheMode() bool { return r.source.IsCached }

// ValidStores returns the registered store roots.
func (r *Registry) ValidStores() []string { return r.valid }

// IsValidStore reports whether storePath is a registered store root.
func (r *Registry) IsValidStore(storePath string) bool {
	for _, v := range r.valid {
		if v == storePath {
			return true
		}
	}
	return false
}

// storeExists reports whether the store root itself has been created yet.
// Stores not yet present are skipped by the multi-store operations.
func storeExists(root string) bool {
	var st unix.Stat_t
	return unix.Lstat(root, &st) == nil
}

// Mkdir creates path in every registered store other than the target whose
// root exists. The first failure aborts the sweep; directories already
// created are left in place.
func (r *Registry) Mkdir(path string, mode uint32) error {
	for _, root := range r.sweep {
		if !storeExists(root) {
			continue
		}
		if err := unix.Mkdir(root+path, mode); err != nil {
			r.log.Error("store mkdir failed", "store", root, "path", path, "error", err)
			return err
		}
	}
	return nil
}

// Rename renames path to newpath in every registered store other than the
// target whose root exists. The first failure aborts the sweep with stores already renamed
// left as-is.
func (r *Registry) Rename(path, newpath string) error {
	for _, root := range r.sweep {
		if !storeExists(root) {
			continue
		}
		if err := os.Rename(root+path, root+newpath); err != nil {
			r.log.Error("store rename failed", "store", root, "path", path, "newpath", newpath, "error", err)
			return err
		}
	}
	return nil
}

// Rmdir removes path from every registered store other than the target
// whose root exists, fail-fast like Mkdir.
func (r *Registry) Rmdir(path string) error {
	for _, root := range r.sweep {
		if !storeExists(root) {
			continue
		}
		if err := unix.Rmdir(root + path); err != nil {
			r.log.Error("store rmdir failed", "store", root, "path", path, "error", err)
			return err
		}
	}
	return nil
}
