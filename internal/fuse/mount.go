package fuse

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/buryhuang/routefs/internal/config"
	"github.com/buryhuang/routefs/internal/routefs"
)

// Mounter manages the FUSE mount lifecycle.
type Mounter struct {
	core       *routefs.FileSystem
	cfg        *config.MountConfig
	server     *fuse.Server
	mountPoint string
	mounted    bool
}

// NewMounter creates a mount manager for the core filesystem.
func NewMounter(core *routefs.FileSystem, cfg *config.MountConfig) *Mounter {
	return &Mounter{core: core, cfg: cfg}
}

// Mount initializes the core and mounts it at mountPoint. Serving happens
// on kernel request threads; Wait blocks until unmount.
func (m *Mounter) Mount(mountPoint string) error {
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(mountPoint); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	if err := m.core.Init(); err != nil {
		return err
	}

	attrTimeout := time.Second
	entryTimeout := time.Second
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.cfg.FSName,
			FsName:     m.cfg.FSName,
			AllowOther: m.cfg.AllowOther,
			Debug:      m.cfg.Debug,
			MaxWrite:   m.cfg.MaxWrite,
		},
		AttrTimeout:     &attrTimeout,
		EntryTimeout:    &entryTimeout,
		NullPermissions: true,
	}

	server, err := fs.Mount(mountPoint, NewRoot(m.core), opts)
	if err != nil {
		m.core.Destroy()
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}
	m.server = server
	m.mountPoint = mountPoint
	m.mounted = true
	return nil
}

// Wait blocks until the filesystem is unmounted, then tears down the core.
func (m *Mounter) Wait() {
	if m.server == nil {
		return
	}
	m.server.Wait()
	m.mounted = false
	m.core.Destroy()
}

// Unmount detaches the filesystem, falling back to a lazy unmount when the
// mount point is busy.
func (m *Mounter) Unmount() error {
	if !m.mounted || m.server == nil {
		return nil
	}
	if err := m.server.Unmount(); err != nil {
		// MNT_DETACH: let busy mounts come down lazily.
		if lazyErr := syscall.Unmount(m.mountPoint, 2); lazyErr != nil {
			return fmt.Errorf("unmount failed: %w", err)
		}
	}
	return nil
}

func (m *Mounter) validateMountPoint(mountPoint string) error {
	if mountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}
	info, err := os.Stat(mountPoint)
	if err != nil {
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", mountPoint)
	}
	if m.isAlreadyMounted(mountPoint) {
		return fmt.Errorf("mount point %s is already mounted", mountPoint)
	}
	return nil
}

func (m *Mounter) isAlreadyMounted(mountPoint string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	target := filepath.Clean(mountPoint)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == target {
			return true
		}
	}
	return false
}
