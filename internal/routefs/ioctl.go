package routefs

import (
	"syscall"

	"github.com/buryhuang/routefs/internal/objmap"
)

// Control commands accepted on the /.ifsctl file. The numbers follow the
// kernel _IOW('E', n, size_t) encoding so the original ifsctl client
// wire format stays valid.
const (
	ioctlWrite   = 1 << 30
	ioctlTypeE   = 'E'
	ioctlArgSize = 8

	// CmdPrintDB dumps all four indexes to the log.
	CmdPrintDB = ioctlWrite | ioctlArgSize<<16 | ioctlTypeE<<8 | 0
	// CmdEvict runs the L1 eviction pass.
	CmdEvict = ioctlWrite | ioctlArgSize<<16 | ioctlTypeE<<8 | 1
)

// Ioctl handles the control channel. Requests on the root are rejected, as
// are compat-mode requests and unknown commands.
func (fs *FileSystem) Ioctl(path string, cmd uint32, compat bool) syscall.Errno {
	fs.metrics.RecordOp("ioctl")
	fs.log.Info("ioctl received", "path", path, "cmd", cmd)

	if path == "/" {
		return syscall.EINVAL
	}
	if compat {
		return syscall.ENOSYS
	}

	switch cmd {
	case CmdPrintDB:
		return fs.printDB()
	case CmdEvict:
		if err := fs.ppd.Evict(); err != nil {
			fs.log.Error("eviction pass failed", "error", err)
			return syscall.EIO
		}
		fs.log.Info("ioctl: EVICT done")
		return 0
	}
	return syscall.EINVAL
}

// printDB dumps the object maps, the post-process queue and the stats
// index to the log.
func (fs *FileSystem) printDB() syscall.Errno {
	if err := fs.objs.Dump(objmap.L1, fs.log); err != nil {
		fs.log.Error("failed to dump L1 objmap", "error", err)
		return syscall.EIO
	}
	if fs.stores.CacheMode() {
		if err := fs.objs.Dump(objmap.L2, fs.log); err != nil {
			fs.log.Error("failed to dump L2 objmap", "error", err)
			return syscall.EIO
		}
	}
	if err := fs.queue.Dump(fs.log); err != nil {
		fs.log.Error("failed to dump postprocess queue", "error", err)
		return syscall.EIO
	}
	if err := fs.stats.Dump(fs.log); err != nil {
		fs.log.Error("failed to dump stats", "error", err)
		return syscall.EIO
	}
	fs.log.Info("ioctl: PRINTDB done")
	return 0
}
