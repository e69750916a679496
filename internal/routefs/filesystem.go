// Package routefs implements the routing filesystem core: the placement
// resolver, the filesystem operation vtable, and the ioctl control channel.
// The FUSE bridge in internal/fuse translates kernel requests into calls on
// FileSystem; everything stateful hangs off the FileSystem value.
package routefs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/buryhuang/routefs/internal/config"
	"github.com/buryhuang/routefs/internal/metrics"
	"github.com/buryhuang/routefs/internal/objmap"
	"github.com/buryhuang/routefs/internal/postprocess"
	"github.com/buryhuang/routefs/internal/ppd"
	"github.com/buryhuang/routefs/internal/rootmap"
	"github.com/buryhuang/routefs/internal/stats"
	"github.com/buryhuang/routefs/internal/store"
)

// Handle is an open file handle: the raw descriptor plus the flags the file
// was opened with. Release consults the flags to decide whether to queue a
// demotion.
type Handle struct {
	Fd    int
	Flags uint32
}

// FileSystem is the runtime value carrying every piece of shared state: the
// index handles, the route table, the store registry and the background
// post-processor. It is threaded through the FUSE dispatch instead of
// living in package globals.
type FileSystem struct {
	cfg     *config.Configuration
	log     *slog.Logger
	metrics *metrics.Collector

	// metaRoot is where the indexes live. rootdir is the base for
	// meta-namespace paths (directories); Init resets it from the meta
	// root to the default data root once the indexes are open.
	metaRoot string
	rootdir  string

	routes *rootmap.Table
	objs   *objmap.Map
	stats  *stats.Index
	queue  *postprocess.Queue
	stores *store.Registry
	ppd    *ppd.Daemon

	xattrMu sync.Mutex
	xattrs  map[string]string
}

// New builds an unstarted filesystem. Init must be called (the FUSE
// mounter does so before mounting) before any operation is dispatched.
func New(cfg *config.Configuration, logger *slog.Logger, collector *metrics.Collector) *FileSystem {
	return &FileSystem{
		cfg:      cfg,
		log:      logger,
		metrics:  collector,
		metaRoot: cfg.Stores.MetaRoot,
		rootdir:  cfg.Stores.MetaRoot,
		xattrs:   make(map[string]string),
	}
}

// Init opens the route table and the four indexes, starts the
// post-processor, and rebinds rootdir to the default data root. Called once
// when the mount comes up.
func (fs *FileSystem) Init() error {
	reg, err := store.NewRegistry(store.Config{
		SourceRoot:      fs.cfg.Stores.StagingRoot,
		TargetRoot:      fs.cfg.Stores.DataRoot,
		AdditionalRoots: fs.cfg.Stores.AdditionalRoots,
		CacheMode:       fs.cfg.Stores.CacheMode,
	}, fs.log)
	if err != nil {
		return fmt.Errorf("failed to initialize stores: %w", err)
	}
	fs.stores = reg

	// New objects land in the hot tier; the route table can redirect
	// individual suffixes to any registered store.
	routes, err := rootmap.Load(fs.metaRoot, reg.Source().Root, reg.IsValidStore, fs.log)
	if err != nil {
		return fmt.Errorf("failed to initialize rootmap: %w", err)
	}
	fs.routes = routes

	objs, err := objmap.Open(fs.metaRoot, fs.cfg.Stores.CacheMode)
	if err != nil {
		return fmt.Errorf("failed to initialize objmap: %w", err)
	}
	fs.objs = objs

	queue, err := postprocess.Open(fs.metaRoot)
	if err != nil {
		_ = objs.Close()
		return fmt.Errorf("failed to initialize postprocess: %w", err)
	}
	fs.queue = queue

	st, err := stats.Open(fs.metaRoot)
	if err != nil {
		_ = queue.Close()
		_ = objs.Close()
		return fmt.Errorf("failed to initialize stats: %w", err)
	}
	fs.stats = st

	fs.ppd = ppd.New(ppd.Config{Interval: fs.cfg.PostProcess.Interval},
		queue, objs, st, reg, fs.metrics, fs.log.With("component", "ppd"))
	fs.ppd.Start()

	fs.rootdir = fs.cfg.Stores.DataRoot
	fs.log.Info("filesystem initialized",
		"meta_root", fs.metaRoot,
		"source", reg.Source().Root,
		"target", reg.Target().Root,
		"cache_mode", reg.CacheMode())
	return nil
}

// Destroy stops the post-processor and closes the indexes.
func (fs *FileSystem) Destroy() {
	if fs.ppd != nil {
		fs.ppd.Stop()
	}
	if fs.stats != nil {
		_ = fs.stats.Close()
	}
	if fs.queue != nil {
		_ = fs.queue.Close()
	}
	if fs.objs != nil {
		_ = fs.objs.Close()
	}
	fs.log.Info("filesystem destroyed")
}

// Resolve computes the store root currently holding path: the L1 entry
// wins, then (cache mode) the L2 entry, then the suffix route.
func (fs *FileSystem) Resolve(path string) string {
	if s, err := fs.objs.Get(path, objmap.L1); err == nil {
		return s
	}
	if fs.stores.CacheMode() {
		if s, err := fs.objs.Get(path, objmap.L2); err == nil {
			return s
		}
	}
	return fs.routes.DestForPath(path)
}

// fullPath is the physical path of the object: Resolve(path) || path.
func (fs *FileSystem) fullPath(path string) string {
	return fs.Resolve(path) + path
}

// rootPath is the meta-namespace path: rootdir || path. Directories live
// here.
func (fs *FileSystem) rootPath(path string) string {
	return fs.rootdir + path
}

// setObjmap registers the L1 placement of path given the physical location
// dest it was created at. dest must be store||path with path a proper
// suffix; anything else is ignored.
func (fs *FileSystem) setObjmap(path, dest string) {
	if !strings.HasSuffix(dest, path) || len(dest) <= len(path) {
		fs.log.Debug("setObjmap: path is not a suffix of dest", "path", path, "dest", dest)
		return
	}
	storeRoot := strings.TrimSuffix(dest, path)
	if err := fs.objs.Set(path, storeRoot, objmap.L1); err != nil {
		fs.log.Error("failed to record L1 placement", "path", path, "store", storeRoot, "error", err)
	}
}

// errnoOf maps an error from the syscall or os layer to an errno.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if os.IsNotExist(err) {
		return syscall.ENOENT
	}
	if os.IsPermission(err) {
		return syscall.EACCES
	}
	if os.IsExist(err) {
		return syscall.EEXIST
	}
	return syscall.EIO
}
