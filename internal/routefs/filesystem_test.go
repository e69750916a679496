package routefs

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/buryhuang/routefs/internal/config"
	"github.com/buryhuang/routefs/internal/index"
	"github.com/buryhuang/routefs/internal/metrics"
	"github.com/buryhuang/routefs/internal/objmap"
	"github.com/buryhuang/routefs/internal/postprocess"
)

func newTestFS(t *testing.T, cacheMode bool) *FileSystem {
	t.Helper()
	root := t.TempDir()

	cfg := config.NewDefault()
	cfg.Stores.CacheMode = cacheMode
	cfg.PostProcess.Interval = time.Hour
	cfg.ApplyRoot(root)
	require.NoError(t, cfg.Validate())

	for _, dir := range []string{cfg.Stores.DataRoot, cfg.Stores.StagingRoot} {
		require.NoError(t, os.MkdirAll(dir, 0700))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs := New(cfg, logger, metrics.NewCollector())
	require.NoError(t, fs.Init())
	t.Cleanup(fs.Destroy)
	return fs
}

func (fs *FileSystem) hot() string  { return fs.stores.Source().Root }
func (fs *FileSystem) cold() string { return fs.stores.Target().Root }

func createFile(t *testing.T, fs *FileSystem, path string, data []byte) {
	t.Helper()
	h, errno := fs.Create(path, 0644)
	require.Equal(t, syscall.Errno(0), errno, "Create %s", path)
	if len(data) > 0 {
		n, errno := fs.Write(h, data, 0)
		require.Equal(t, syscall.Errno(0), errno)
		require.Equal(t, len(data), n)
	}
	require.Equal(t, syscall.Errno(0), fs.Release(path, h))
}

func TestResolvePrecedence(t *testing.T) {
	fs := newTestFS(t, true)

	// No entries: the suffix route decides; new objects land hot.
	assert.Equal(t, fs.hot(), fs.Resolve("/fresh.txt"))

	// An L2 entry beats the route.
	require.NoError(t, fs.objs.Set("/a", fs.cold(), objmap.L2))
	assert.Equal(t, fs.cold(), fs.Resolve("/a"))

	// An L1 entry beats everything.
	require.NoError(t, fs.objs.Set("/a", fs.hot(), objmap.L1))
	assert.Equal(t, fs.hot(), fs.Resolve("/a"))
}

func TestResolveIgnoresL2WithoutCacheMode(t *testing.T) {
	fs := newTestFS(t, false)
	// No L2 map exists; only L1 and the route participate.
	assert.Equal(t, fs.hot(), fs.Resolve("/x.dat"))
}

func TestCreateRegistersL1(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("hello"))

	storeRoot, err := fs.objs.Get("/a.txt", objmap.L1)
	require.NoError(t, err)
	assert.Equal(t, fs.hot(), storeRoot)

	got, err := os.ReadFile(filepath.Join(fs.hot(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestGetattrProbesResolvedPath(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("12345"))

	st, errno := fs.Getattr("/a.txt")
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, int64(5), st.Size)

	_, errno = fs.Getattr("/missing")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestMknodUnlinkRoundTrip(t *testing.T) {
	fs := newTestFS(t, true)

	require.Equal(t, syscall.Errno(0), fs.Mknod("/n.bin", unix.S_IFREG|0644, 0))
	if _, err := fs.objs.Get("/n.bin", objmap.L1); err != nil {
		t.Fatalf("mknod should register L1: %v", err)
	}

	require.Equal(t, syscall.Errno(0), fs.Unlink("/n.bin"))

	_, err := fs.objs.Get("/n.bin", objmap.L1)
	assert.True(t, errors.Is(err, index.ErrNotFound), "L1 clean after unlink")
	_, err = fs.objs.Get("/n.bin", objmap.L2)
	assert.True(t, errors.Is(err, index.ErrNotFound), "L2 clean after unlink")
	_, err = fs.stats.Get("/n.bin")
	assert.True(t, errors.Is(err, index.ErrNotFound), "stats clean after unlink")
}

func TestUnlinkRemovesBothCopies(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("x"))

	// Simulate a completed demotion: cold copy plus L2 entry.
	require.NoError(t, os.WriteFile(filepath.Join(fs.cold(), "a.txt"), []byte("x"), 0600))
	require.NoError(t, fs.objs.Set("/a.txt", fs.cold(), objmap.L2))

	require.Equal(t, syscall.Errno(0), fs.Unlink("/a.txt"))

	_, err := os.Stat(filepath.Join(fs.hot(), "a.txt"))
	assert.True(t, os.IsNotExist(err), "hot copy removed")
	_, err = os.Stat(filepath.Join(fs.cold(), "a.txt"))
	assert.True(t, os.IsNotExist(err), "cold copy removed")
}

func TestUnlinkMissingEverywhere(t *testing.T) {
	fs := newTestFS(t, true)
	assert.NotEqual(t, syscall.Errno(0), fs.Unlink("/nope"))
}

func TestOpenRecordsStatsAndQueues(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("data"))

	before := time.Now().Add(-time.Second)
	h, errno := fs.Open("/a.txt", unix.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)

	ts, err := fs.stats.Get("/a.txt")
	require.NoError(t, err)
	assert.False(t, ts.Before(before.Truncate(time.Second)), "stats should hold the open time")

	// The queued entry leads with the current placement for the promote
	// case: target first, then source.
	e, err := fs.queue.Get("/a.txt")
	require.NoError(t, err)
	require.Len(t, e.StorePaths, 2)
	assert.Equal(t, fs.cold(), e.StorePaths[0])
	assert.Equal(t, fs.hot(), e.StorePaths[1])

	require.Equal(t, syscall.Errno(0), fs.Release("/a.txt", h))
}

func TestOpenTwiceKeepsStatsFresh(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("data"))

	h, errno := fs.Open("/a.txt", unix.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, syscall.Errno(0), fs.Release("/a.txt", h))
	first, err := fs.stats.Get("/a.txt")
	require.NoError(t, err)

	h, errno = fs.Open("/a.txt", unix.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, syscall.Errno(0), fs.Release("/a.txt", h))
	second, err := fs.stats.Get("/a.txt")
	require.NoError(t, err)

	assert.False(t, second.Before(first), "stats must track the latest open")
}

func TestReleaseQueuesDemote(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("data"))

	h, errno := fs.Open("/a.txt", unix.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)

	// Drop the open-time entry so the release-time queueing is visible.
	e, err := fs.queue.Get("/a.txt")
	require.NoError(t, err)
	require.NoError(t, fs.queue.Delete("/a.txt", e))

	require.Equal(t, syscall.Errno(0), fs.Release("/a.txt", h))

	e, err = fs.queue.Get("/a.txt")
	require.NoError(t, err)
	require.Len(t, e.StorePaths, 1)
	assert.Equal(t, fs.hot(), e.StorePaths[0], "demote entry anchors at the L1 placement")
}

func TestReadWriteThroughHandle(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("hello world"))

	h, errno := fs.Open("/a.txt", unix.O_RDWR)
	require.Equal(t, syscall.Errno(0), errno)
	defer func() { _ = fs.Release("/a.txt", h) }()

	buf := make([]byte, 5)
	n, errno := fs.Read(h, buf, 6)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "world", string(buf[:n]))

	n, errno = fs.Write(h, []byte("WORLD"), 6)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, 5, n)

	got, err := os.ReadFile(filepath.Join(fs.hot(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello WORLD", string(got))
}

func TestRenameHotFile(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/b.log", []byte("log"))

	require.Equal(t, syscall.Errno(0), fs.Rename("/b.log", "/c.log"))

	storeRoot, err := fs.objs.Get("/c.log", objmap.L1)
	require.NoError(t, err)
	assert.Equal(t, fs.hot(), storeRoot)
	_, err = fs.objs.Get("/b.log", objmap.L1)
	assert.True(t, errors.Is(err, index.ErrNotFound))

	_, err = os.Stat(filepath.Join(fs.hot(), "c.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(fs.hot(), "b.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestRenameRoundTripRestoresResolve(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/p.txt", []byte("x"))
	want := fs.Resolve("/p.txt")

	require.Equal(t, syscall.Errno(0), fs.Rename("/p.txt", "/q.txt"))
	require.Equal(t, syscall.Errno(0), fs.Rename("/q.txt", "/p.txt"))

	assert.Equal(t, want, fs.Resolve("/p.txt"))
}

func TestRenameUnmappedFileFails(t *testing.T) {
	fs := newTestFS(t, true)
	// A file that exists physically but was never mapped.
	require.NoError(t, os.WriteFile(filepath.Join(fs.hot(), "stray.txt"), []byte("x"), 0600))

	assert.Equal(t, syscall.ENOENT, fs.Rename("/stray.txt", "/other.txt"))
}

func TestRenameDirectory(t *testing.T) {
	fs := newTestFS(t, true)
	require.Equal(t, syscall.Errno(0), fs.Mkdir("/d", 0755))

	require.Equal(t, syscall.Errno(0), fs.Rename("/d", "/e"))

	_, err := os.Stat(filepath.Join(fs.cold(), "e"))
	assert.NoError(t, err, "meta namespace renamed")
	_, err = os.Stat(filepath.Join(fs.hot(), "e"))
	assert.NoError(t, err, "store namespace renamed")
	_, err = os.Stat(filepath.Join(fs.hot(), "d"))
	assert.True(t, os.IsNotExist(err))
}

func TestMkdirRmdir(t *testing.T) {
	fs := newTestFS(t, true)

	require.Equal(t, syscall.Errno(0), fs.Mkdir("/d", 0755))
	for _, p := range []string{filepath.Join(fs.cold(), "d"), filepath.Join(fs.hot(), "d")} {
		st, err := os.Stat(p)
		require.NoError(t, err, p)
		assert.True(t, st.IsDir())
	}

	require.Equal(t, syscall.Errno(0), fs.Rmdir("/d"))
	for _, p := range []string{filepath.Join(fs.cold(), "d"), filepath.Join(fs.hot(), "d")} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
}

func TestReaddirUnion(t *testing.T) {
	fs := newTestFS(t, true)
	require.Equal(t, syscall.Errno(0), fs.Mkdir("/d", 0755))
	createFile(t, fs, "/d/x", []byte("x"))
	createFile(t, fs, "/d/y", []byte("y"))

	// Force /d/x into the cold tier only: move the file, swap the map
	// entries, exactly as a demote followed by an evict would.
	require.NoError(t, os.MkdirAll(filepath.Join(fs.cold(), "d"), 0755))
	require.NoError(t, os.Rename(
		filepath.Join(fs.hot(), "d", "x"),
		filepath.Join(fs.cold(), "d", "x")))
	require.NoError(t, fs.objs.Delete("/d/x", objmap.L1))
	require.NoError(t, fs.objs.Set("/d/x", fs.cold(), objmap.L2))

	var names []string
	errno := fs.Readdir("/d", func(name string) bool {
		names = append(names, name)
		return true
	})
	require.Equal(t, syscall.Errno(0), errno)

	sort.Strings(names)
	assert.Equal(t, []string{".", "..", "x", "y"}, names, "union without duplicates")
}

func TestReaddirFillerFull(t *testing.T) {
	fs := newTestFS(t, true)
	errno := fs.Readdir("/", func(string) bool { return false })
	assert.Equal(t, syscall.ENOMEM, errno)
}

func TestSymlinkReadlink(t *testing.T) {
	fs := newTestFS(t, true)
	require.Equal(t, syscall.Errno(0), fs.Symlink("/target/elsewhere", "/l"))

	if _, err := fs.objs.Get("/l", objmap.L1); err != nil {
		t.Fatalf("symlink should register L1: %v", err)
	}
	target, errno := fs.Readlink("/l")
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "/target/elsewhere", target)
}

func TestChownAndUtimensSquashErrors(t *testing.T) {
	fs := newTestFS(t, true)
	// Both operate on a missing file and still report success.
	assert.Equal(t, syscall.Errno(0), fs.Chown("/missing", 0, 0))
	ts := []unix.Timespec{
		unix.NsecToTimespec(time.Now().UnixNano()),
		unix.NsecToTimespec(time.Now().UnixNano()),
	}
	assert.Equal(t, syscall.Errno(0), fs.Utimens("/missing", ts))
}

func TestTruncateAndFtruncate(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("0123456789"))

	require.Equal(t, syscall.Errno(0), fs.Truncate("/a.txt", 4))
	st, errno := fs.Getattr("/a.txt")
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, int64(4), st.Size)

	h, errno := fs.Open("/a.txt", unix.O_RDWR)
	require.Equal(t, syscall.Errno(0), errno)
	defer func() { _ = fs.Release("/a.txt", h) }()
	require.Equal(t, syscall.Errno(0), fs.Ftruncate(h, 2))
	fst, errno := fs.Fgetattr(h)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, int64(2), fst.Size)
}

func TestXattrOverlay(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("x"))

	require.Equal(t, syscall.Errno(0), fs.Setxattr("/a.txt", "color", []byte("blue")))

	dest := make([]byte, 64)
	n, errno := fs.Getxattr("/a.txt", "color", dest)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "blue", string(dest[:n]))

	// user.-prefixed lookups fall back to the bare name.
	n, errno = fs.Getxattr("/a.txt", "user.color", dest)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "blue", string(dest[:n]))

	list := make([]byte, 256)
	n, errno = fs.Listxattr("/a.txt", list)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Contains(t, string(list[:n]), "color")
}

func TestIoctl(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("x"))

	assert.Equal(t, syscall.EINVAL, fs.Ioctl("/", CmdPrintDB, false))
	assert.Equal(t, syscall.ENOSYS, fs.Ioctl("/.ifsctl", CmdPrintDB, true))
	assert.Equal(t, syscall.EINVAL, fs.Ioctl("/.ifsctl", 0xdead, false))

	assert.Equal(t, syscall.Errno(0), fs.Ioctl("/.ifsctl", CmdPrintDB, false))
	assert.Equal(t, syscall.Errno(0), fs.Ioctl("/.ifsctl", CmdEvict, false))
}

func TestEvictViaIoctl(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/a.txt", []byte("x"))

	// Cold copy exists and the object has no stats entry: evictable.
	require.NoError(t, os.WriteFile(filepath.Join(fs.cold(), "a.txt"), []byte("x"), 0600))
	require.NoError(t, fs.objs.Set("/a.txt", fs.cold(), objmap.L2))

	require.Equal(t, syscall.Errno(0), fs.Ioctl("/.ifsctl", CmdEvict, false))

	_, err := os.Stat(filepath.Join(fs.hot(), "a.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = fs.objs.Get("/a.txt", objmap.L1)
	assert.True(t, errors.Is(err, index.ErrNotFound))

	// The cold copy now serves reads through the resolver.
	assert.Equal(t, fs.cold(), fs.Resolve("/a.txt"))
}

func TestSetObjmapRejectsNonSuffix(t *testing.T) {
	fs := newTestFS(t, true)
	fs.setObjmap("/a", "/elsewhere/b")
	_, err := fs.objs.Get("/a", objmap.L1)
	assert.True(t, errors.Is(err, index.ErrNotFound))
}

func TestControlFileNeverQueued(t *testing.T) {
	fs := newTestFS(t, true)
	createFile(t, fs, "/.ifsctl", nil)

	h, errno := fs.Open("/.ifsctl", unix.O_RDWR)
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, syscall.Errno(0), fs.Release("/.ifsctl", h))

	_, err := fs.queue.Get(postprocess.CtlPath)
	assert.True(t, errors.Is(err, index.ErrNotFound))
}
