package routefs

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/buryhuang/routefs/internal/objmap"
	"github.com/buryhuang/routefs/internal/postprocess"
)

// Getattr stats the resolved physical path. Failures are returned without
// logging: callers use this as an existence probe on the hot path.
func (fs *FileSystem) Getattr(path string) (unix.Stat_t, syscall.Errno) {
	fs.metrics.RecordOp("getattr")
	var st unix.Stat_t
	if err := unix.Lstat(fs.fullPath(path), &st); err != nil {
		return st, errnoOf(err)
	}
	return st, 0
}

// Readlink reads the target of the symlink at the resolved path.
func (fs *FileSystem) Readlink(path string) (string, syscall.Errno) {
	fs.metrics.RecordOp("readlink")
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlink(fs.fullPath(path), buf)
	if err != nil {
		fs.metrics.RecordOpError("readlink")
		fs.log.Error("readlink failed", "path", path, "error", err)
		return "", errnoOf(err)
	}
	return string(buf[:n]), 0
}

// Mknod creates a file node at the routed location and registers its L1
// placement.
func (fs *FileSystem) Mknod(path string, mode uint32, dev uint64) syscall.Errno {
	fs.metrics.RecordOp("mknod")
	fpath := fs.fullPath(path)
	fs.setObjmap(path, fpath)

	var err error
	switch {
	case mode&unix.S_IFMT == unix.S_IFREG:
		var fd int
		fd, err = unix.Open(fpath, unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY, mode)
		if err == nil {
			err = unix.Close(fd)
		}
	case mode&unix.S_IFMT == unix.S_IFIFO:
		err = unix.Mkfifo(fpath, mode)
	default:
		err = unix.Mknod(fpath, mode, int(dev))
	}
	if err != nil {
		fs.metrics.RecordOpError("mknod")
		fs.log.Error("mknod failed", "path", path, "error", err)
		return errnoOf(err)
	}
	return 0
}

// Mkdir creates the directory in every registered store whose root exists,
// then in the meta namespace. A store failure aborts the operation;
// directories already created stay in place.
func (fs *FileSystem) Mkdir(path string, mode uint32) syscall.Errno {
	fs.metrics.RecordOp("mkdir")
	if err := fs.stores.Mkdir(path, mode); err != nil {
		fs.metrics.RecordOpError("mkdir")
		return errnoOf(err)
	}
	if err := unix.Mkdir(fs.rootPath(path), mode); err != nil {
		fs.metrics.RecordOpError("mkdir")
		fs.log.Error("mkdir failed", "path", path, "error", err)
		return errnoOf(err)
	}
	return 0
}

// Unlink removes the object and drops its index entries. The resolve runs
// twice in cache mode: once the L1 entry is deleted, the resolver falls
// through to the L2 placement, so the second unlink reaches the cold copy.
// Success means at least one copy was removed.
func (fs *FileSystem) Unlink(path string) syscall.Errno {
	fs.metrics.RecordOp("unlink")

	err1 := unix.Unlink(fs.fullPath(path))
	if err1 != nil {
		fs.log.Warn("unlink: no hot copy", "path", path, "error", err1)
	}
	if err := fs.objs.Delete(path, objmap.L1); err != nil {
		fs.log.Error("unlink: failed to drop L1 entry", "path", path, "error", err)
	}
	if err := fs.stats.Delete(path); err != nil {
		fs.log.Error("unlink: failed to drop stats entry", "path", path, "error", err)
	}

	if !fs.stores.CacheMode() {
		if err1 != nil {
			fs.metrics.RecordOpError("unlink")
			return errnoOf(err1)
		}
		return 0
	}

	err2 := unix.Unlink(fs.fullPath(path))
	if err2 != nil {
		fs.log.Warn("unlink: no cold copy", "path", path, "error", err2)
	}
	if err := fs.objs.Delete(path, objmap.L2); err != nil {
		fs.log.Error("unlink: failed to drop L2 entry", "path", path, "error", err)
	}
	// Stats tracks the hot tier only; it was already dropped above.

	if err1 != nil && err2 != nil {
		fs.metrics.RecordOpError("unlink")
		return errnoOf(err1)
	}
	return 0
}

// Rmdir removes the directory from every registered store, then from the
// meta namespace.
func (fs *FileSystem) Rmdir(path string) syscall.Errno {
	fs.metrics.RecordOp("rmdir")
	if err := fs.stores.Rmdir(path); err != nil {
		fs.metrics.RecordOpError("rmdir")
		return errnoOf(err)
	}
	if err := unix.Rmdir(fs.rootPath(path)); err != nil {
		fs.metrics.RecordOpError("rmdir")
		fs.log.Error("rmdir failed", "path", path, "error", err)
		return errnoOf(err)
	}
	return 0
}

// Symlink creates a symlink at the routed location of link and registers
// its L1 placement.
func (fs *FileSystem) Symlink(target, link string) syscall.Errno {
	fs.metrics.RecordOp("symlink")
	flink := fs.fullPath(link)
	fs.setObjmap(link, flink)
	if err := unix.Symlink(target, flink); err != nil {
		fs.metrics.RecordOpError("symlink")
		fs.log.Error("symlink failed", "link", link, "error", err)
		return errnoOf(err)
	}
	return 0
}

// Rename moves path to newpath. Directories rename across every registered
// store first, then in the meta namespace. Regular files rename at their
// resolved location, then the object map moves the L1 entry to the new key;
// renaming a file with no L1 entry is an error.
func (fs *FileSystem) Rename(path, newpath string) syscall.Errno {
	fs.metrics.RecordOp("rename")

	var st unix.Stat_t
	err := unix.Lstat(fs.rootPath(path), &st)
	isDir := err == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR

	var fpath, fnewpath string
	if isDir {
		if err := fs.stores.Rename(path, newpath); err != nil {
			fs.metrics.RecordOpError("rename")
			return errnoOf(err)
		}
		fpath, fnewpath = fs.rootPath(path), fs.rootPath(newpath)
	} else {
		fpath, fnewpath = fs.fullPath(path), fs.fullPath(newpath)
	}

	// Store paths first, meta root last for directories; the real file
	// always moves before the index follows.
	if err := os.Rename(fpath, fnewpath); err != nil {
		fs.metrics.RecordOpError("rename")
		fs.log.Error("rename failed", "path", path, "newpath", newpath, "error", err)
		return errnoOf(err)
	}
	if isDir {
		return 0
	}

	// Directories are not kept in the object map; files swap their key.
	storeRoot, err := fs.objs.Get(path, objmap.L1)
	if err != nil {
		fs.metrics.RecordOpError("rename")
		fs.log.Error("rename: object missing from L1 map", "path", path, "error", err)
		return syscall.ENOENT
	}
	if err := fs.objs.Set(newpath, storeRoot, objmap.L1); err != nil {
		fs.metrics.RecordOpError("rename")
		return syscall.EIO
	}
	// Only delete the old key once the new one is recorded.
	if err := fs.objs.Delete(path, objmap.L1); err != nil {
		fs.log.Error("rename: failed to drop old L1 entry", "path", path, "error", err)
	}
	if fs.stores.CacheMode() {
		if err := fs.objs.Delete(path, objmap.L2); err != nil {
			fs.log.Error("rename: failed to drop old L2 entry", "path", path, "error", err)
		}
	}
	return 0
}

// Link creates a hard link between resolved locations.
func (fs *FileSystem) Link(path, newpath string) syscall.Errno {
	fs.metrics.RecordOp("link")
	if err := unix.Link(fs.fullPath(path), fs.fullPath(newpath)); err != nil {
		fs.metrics.RecordOpError("link")
		fs.log.Error("link failed", "path", path, "newpath", newpath, "error", err)
		return errnoOf(err)
	}
	return 0
}

// Chmod is a passthrough on the resolved path.
func (fs *FileSystem) Chmod(path string, mode uint32) syscall.Errno {
	fs.metrics.RecordOp("chmod")
	if err := unix.Chmod(fs.fullPath(path), mode); err != nil {
		fs.metrics.RecordOpError("chmod")
		fs.log.Error("chmod failed", "path", path, "error", err)
		return errnoOf(err)
	}
	return 0
}

// Chown is a passthrough on the resolved path. Failures are squashed: the
// filesystem typically runs unprivileged.
func (fs *FileSystem) Chown(path string, uid, gid uint32) syscall.Errno {
	fs.metrics.RecordOp("chown")
	// ^uint32(0) means "leave unchanged", mapping to chown's -1.
	if err := unix.Chown(fs.fullPath(path), int(int32(uid)), int(int32(gid))); err != nil {
		fs.log.Warn("chown failed, ignoring", "path", path, "error", err)
	}
	return 0
}

// Truncate is a passthrough on the resolved path.
func (fs *FileSystem) Truncate(path string, size int64) syscall.Errno {
	fs.metrics.RecordOp("truncate")
	if err := unix.Truncate(fs.fullPath(path), size); err != nil {
		fs.metrics.RecordOpError("truncate")
		fs.log.Error("truncate failed", "path", path, "error", err)
		return errnoOf(err)
	}
	return 0
}

// Utimens sets the access and modification times on the resolved path.
// Failures are squashed like Chown's.
func (fs *FileSystem) Utimens(path string, ts []unix.Timespec) syscall.Errno {
	fs.metrics.RecordOp("utimens")
	err := unix.UtimesNanoAt(unix.AT_FDCWD, fs.fullPath(path), ts, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		fs.log.Warn("utimens failed, ignoring", "path", path, "error", err)
	}
	return 0
}

// Open opens the resolved physical file, refreshes the object's stats
// entry, and queues it for post-processing anchored at the target (cold)
// tier, with the source tier second. The next scan promotes the object when
// a cold copy exists and drops the entry as moot otherwise. A path that is
// already queued keeps its existing entry.
func (fs *FileSystem) Open(path string, flags uint32) (*Handle, syscall.Errno) {
	fs.metrics.RecordOp("open")
	fd, err := unix.Open(fs.fullPath(path), int(flags), 0)
	if err != nil {
		fs.metrics.RecordOpError("open")
		fs.log.Error("open failed", "path", path, "error", err)
		return nil, errnoOf(err)
	}

	if err := fs.stats.Set(path, time.Now()); err != nil {
		fs.log.Error("open: failed to record stats", "path", path, "error", err)
	}
	err = fs.queue.Set(path, postprocess.StateQueued,
		fs.stores.Target().Root, fs.stores.Source().Root)
	if err != nil {
		fs.log.Error("open: failed to queue post-processing", "path", path, "error", err)
	}

	return &Handle{Fd: fd, Flags: flags}, 0
}

// Create creates the file at the routed location, registers its L1
// placement, and returns the open handle.
func (fs *FileSystem) Create(path string, mode uint32) (*Handle, syscall.Errno) {
	fs.metrics.RecordOp("create")
	fpath := fs.fullPath(path)
	fs.setObjmap(path, fpath)

	fd, err := unix.Open(fpath, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, mode)
	if err != nil {
		fs.metrics.RecordOpError("create")
		fs.log.Error("create failed", "path", path, "error", err)
		return nil, errnoOf(err)
	}
	return &Handle{Fd: fd, Flags: unix.O_CREAT | unix.O_WRONLY}, 0
}

// Read reads from the open handle.
func (fs *FileSystem) Read(h *Handle, dest []byte, off int64) (int, syscall.Errno) {
	fs.metrics.RecordOp("read")
	n, err := unix.Pread(h.Fd, dest, off)
	if err != nil {
		fs.metrics.RecordOpError("read")
		return 0, errnoOf(err)
	}
	return n, 0
}

// Write writes to the open handle.
func (fs *FileSystem) Write(h *Handle, data []byte, off int64) (int, syscall.Errno) {
	fs.metrics.RecordOp("write")
	n, err := unix.Pwrite(h.Fd, data, off)
	if err != nil {
		fs.metrics.RecordOpError("write")
		return 0, errnoOf(err)
	}
	return n, 0
}

// Statfs reports statistics of the filesystem backing the resolved path.
func (fs *FileSystem) Statfs(path string) (unix.Statfs_t, syscall.Errno) {
	fs.metrics.RecordOp("statfs")
	var st unix.Statfs_t
	if err := unix.Statfs(fs.fullPath(path), &st); err != nil {
		fs.metrics.RecordOpError("statfs")
		return st, errnoOf(err)
	}
	return st, 0
}

// Flush is a no-op; data reaches the backing file through the shared
// descriptor as it is written.
func (fs *FileSystem) Flush(h *Handle) syscall.Errno {
	fs.metrics.RecordOp("flush")
	return 0
}

// Release closes the handle. When the open did not create the file and the
// path is not a directory, the object's current L1 placement is queued so
// the post-processor can demote it.
func (fs *FileSystem) Release(path string, h *Handle) syscall.Errno {
	fs.metrics.RecordOp("release")
	err := unix.Close(h.Fd)

	if h.Flags&unix.O_CREAT == 0 {
		var st unix.Stat_t
		statErr := unix.Lstat(fs.rootPath(path), &st)
		if statErr == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR {
			return errnoOf(err)
		}
		if storeRoot, getErr := fs.objs.Get(path, objmap.L1); getErr == nil {
			if qErr := fs.queue.Set(path, postprocess.StateQueued, storeRoot); qErr != nil {
				fs.log.Error("release: failed to queue post-processing", "path", path, "error", qErr)
			}
		}
	}
	return errnoOf(err)
}

// Fsync synchronizes the open handle.
func (fs *FileSystem) Fsync(h *Handle, datasync bool) syscall.Errno {
	fs.metrics.RecordOp("fsync")
	var err error
	if datasync {
		err = unix.Fdatasync(h.Fd)
	} else {
		err = unix.Fsync(h.Fd)
	}
	if err != nil {
		fs.metrics.RecordOpError("fsync")
		fs.log.Error("fsync failed", "error", err)
		return errnoOf(err)
	}
	return 0
}

// Ftruncate truncates through the open handle.
func (fs *FileSystem) Ftruncate(h *Handle, size int64) syscall.Errno {
	fs.metrics.RecordOp("ftruncate")
	if err := unix.Ftruncate(h.Fd, size); err != nil {
		fs.metrics.RecordOpError("ftruncate")
		fs.log.Error("ftruncate failed", "error", err)
		return errnoOf(err)
	}
	return 0
}

// Fgetattr stats through the open handle; like Getattr, errors are not
// logged.
func (fs *FileSystem) Fgetattr(h *Handle) (unix.Stat_t, syscall.Errno) {
	fs.metrics.RecordOp("fgetattr")
	var st unix.Stat_t
	if err := unix.Fstat(h.Fd, &st); err != nil {
		return st, errnoOf(err)
	}
	return st, 0
}

// Access checks permissions on the resolved path.
func (fs *FileSystem) Access(path string, mask uint32) syscall.Errno {
	fs.metrics.RecordOp("access")
	if err := unix.Access(fs.fullPath(path), mask); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Opendir verifies the directory exists in the meta namespace.
func (fs *FileSystem) Opendir(path string) syscall.Errno {
	fs.metrics.RecordOp("opendir")
	var st unix.Stat_t
	if err := unix.Lstat(fs.rootPath(path), &st); err != nil {
		fs.metrics.RecordOpError("opendir")
		fs.log.Error("opendir failed", "path", path, "error", err)
		return errnoOf(err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return syscall.ENOTDIR
	}
	return 0
}

// Readdir enumerates the union of the meta-namespace directory and the
// object maps: first every name under rootdir, then the L1 and L2 children
// not already emitted. A logical name can exist both as a meta-root stub
// and as an object-map entry, so duplicates are suppressed. When filler
// reports a full buffer the listing stops with ENOMEM.
func (fs *FileSystem) Readdir(path string, filler func(name string) bool) syscall.Errno {
	fs.metrics.RecordOp("readdir")

	dir, err := os.Open(fs.rootPath(path))
	if err != nil {
		fs.metrics.RecordOpError("readdir")
		fs.log.Error("readdir failed", "path", path, "error", err)
		return errnoOf(err)
	}
	names, err := dir.Readdirnames(-1)
	_ = dir.Close()
	if err != nil {
		fs.metrics.RecordOpError("readdir")
		fs.log.Error("readdir failed", "path", path, "error", err)
		return errnoOf(err)
	}

	seen := make(map[string]bool)
	for _, name := range append([]string{".", ".."}, names...) {
		seen[name] = true
		if !filler(name) {
			fs.log.Error("readdir: filler buffer full", "path", path)
			return syscall.ENOMEM
		}
	}

	return fs.storeReaddir(path, filler, seen)
}

// storeReaddir appends the object-map children of path that the meta
// namespace did not already provide.
func (fs *FileSystem) storeReaddir(path string, filler func(name string) bool, seen map[string]bool) syscall.Errno {
	levels := []objmap.Level{objmap.L1}
	if fs.stores.CacheMode() {
		levels = append(levels, objmap.L2)
	}
	for _, level := range levels {
		names, err := fs.objs.List(path, level)
		if err != nil {
			fs.log.Error("readdir: objmap list failed", "path", path, "level", int(level), "error", err)
			return syscall.EIO
		}
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			if !filler(name) {
				fs.log.Error("readdir: filler buffer full", "path", path)
				return syscall.ENOMEM
			}
		}
	}
	return 0
}

// Releasedir is a no-op.
func (fs *FileSystem) Releasedir(path string) syscall.Errno {
	fs.metrics.RecordOp("releasedir")
	return 0
}

// Fsyncdir is a no-op.
func (fs *FileSystem) Fsyncdir(path string) syscall.Errno {
	fs.metrics.RecordOp("fsyncdir")
	return 0
}

// Utime is the legacy variant of Utimens taking time values; it passes
// both times on to Utimens at full nanosecond resolution.
func (fs *FileSystem) Utime(path string, atime, mtime time.Time) syscall.Errno {
	return fs.Utimens(path, []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	})
}
