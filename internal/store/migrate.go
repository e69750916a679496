package store

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DirectIOBlockSize is the migration copy block. The buffer is kept
// page-aligned so direct I/O can be enabled without a contract change.
const DirectIOBlockSize = 256 * 1024

// alignedBlock returns a size-byte slice whose first byte sits on a page
// boundary.
func alignedBlock(size int) []byte {
	pageSize := os.Getpagesize()
	raw := make([]byte, size+pageSize)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(pageSize)); rem != 0 {
		off = pageSize - rem
	}
	return raw[off : off+size]
}

// Migrate copies path from one store root to another in aligned blocks,
// then unlinks the source unless keepSource is set. Any short read or write
// other than end-of-file fails the migration; a partial target is left
// as-is and the caller must keep the queue entry for retry.
func Migrate(path, fromStore, toStore string, keepSource bool) error {
	fpathFrom := fromStore + path
	fpathTo := toStore + path

	fdFrom, err := unix.Open(fpathFrom, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("migrate open %s for reading: %w", fpathFrom, err)
	}
	defer func() { _ = unix.Close(fdFrom) }()

	var st unix.Stat_t
	if err := unix.Lstat(fpathFrom, &st); err != nil {
		return fmt.Errorf("migrate lstat %s: %w", fpathFrom, err)
	}

	fdTo, err := unix.Open(fpathTo, unix.O_CREAT|unix.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("migrate open %s for writing: %w", fpathTo, err)
	}
	defer func() { _ = unix.Close(fdTo) }()

	buf := alignedBlock(DirectIOBlockSize)
	bytesLeft := st.Size

	for bytesLeft > 0 {
		n, err := unix.Read(fdFrom, buf)
		if err != nil {
			return fmt.Errorf("migrate read %s: %w", fpathFrom, err)
		}
		if n != DirectIOBlockSize {
			// Short read: this is the final block, unless the file ended
			// before its recorded size.
			if int64(n) < bytesLeft {
				return fmt.Errorf("migrate read %s: short read %d of %d", fpathFrom, n, bytesLeft)
			}
			break
		}
		bytesLeft -= DirectIOBlockSize
		w, err := unix.Write(fdTo, buf)
		if err != nil {
			return fmt.Errorf("migrate write %s: %w", fpathTo, err)
		}
		if w != DirectIOBlockSize {
			return fmt.Errorf("migrate write %s: short write %d of %d", fpathTo, w, DirectIOBlockSize)
		}
	}

	if bytesLeft > 0 {
		w, err := unix.Write(fdTo, buf[:bytesLeft])
		if err != nil {
			return fmt.Errorf("migrate write %s: %w", fpathTo, err)
		}
		if int64(w) != bytesLeft {
			return fmt.Errorf("migrate write %s: short write %d of %d", fpathTo, w, bytesLeft)
		}
	}

	if !keepSource {
		if err := unix.Unlink(fpathFrom); err != nil {
			return fmt.Errorf("migrate unlink %s: %w", fpathFrom, err)
		}
	}
	return nil
}
