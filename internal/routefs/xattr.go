package routefs

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Extended attributes are kept in a process-wide overlay map rather than on
// the backing files: an object's physical location changes as it migrates
// between tiers, and the overlay keeps the attributes stable across moves.
// Reads fall through to the backing file for attributes the overlay does
// not hold.

// Setxattr stores the attribute in the overlay.
func (fs *FileSystem) Setxattr(path, name string, value []byte) syscall.Errno {
	fs.metrics.RecordOp("setxattr")
	if name == "" || len(value) == 0 {
		return syscall.EINVAL
	}
	fs.xattrMu.Lock()
	fs.xattrs[name] = string(value)
	fs.xattrMu.Unlock()
	return 0
}

// Getxattr looks the attribute up in the overlay, retries with the "user."
// prefix stripped, and finally falls through to the backing file at the
// resolved path.
func (fs *FileSystem) Getxattr(path, name string, dest []byte) (int, syscall.Errno) {
	fs.metrics.RecordOp("getxattr")
	if name == "" || len(dest) == 0 {
		return 0, 0
	}

	fs.xattrMu.Lock()
	val, ok := fs.xattrs[name]
	if !ok {
		if stripped, found := strings.CutPrefix(name, "user."); found {
			val, ok = fs.xattrs[stripped]
		}
	}
	fs.xattrMu.Unlock()

	if ok {
		n := copy(dest, val)
		return n, 0
	}

	n, err := unix.Lgetxattr(fs.fullPath(path), name, dest)
	if err != nil {
		fs.log.Error("getxattr failed", "path", path, "name", name, "error", err)
		return 0, errnoOf(err)
	}
	return n, 0
}

// Listxattr writes the overlay's attribute names into dest, NUL-separated,
// and returns the number of bytes used.
func (fs *FileSystem) Listxattr(path string, dest []byte) (int, syscall.Errno) {
	fs.metrics.RecordOp("listxattr")
	if len(dest) == 0 {
		return 0, 0
	}

	fs.xattrMu.Lock()
	defer fs.xattrMu.Unlock()

	pos := 0
	for name := range fs.xattrs {
		if pos+len(name)+1 > len(dest) {
			break
		}
		copy(dest[pos:], name)
		pos += len(name)
		dest[pos] = 0
		pos++
	}
	return pos, 0
}

// Removexattr removes the attribute from the overlay and the backing file.
func (fs *FileSystem) Removexattr(path, name string) syscall.Errno {
	fs.metrics.RecordOp("removexattr")
	fs.xattrMu.Lock()
	delete(fs.xattrs, name)
	fs.xattrMu.Unlock()

	if err := unix.Lremovexattr(fs.fullPath(path), name); err != nil {
		fs.log.Error("removexattr failed", "path", path, "name", name, "error", err)
		return errnoOf(err)
	}
	return 0
}
