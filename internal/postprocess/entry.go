package postprocess

import (
	"encoding/binary"
	"fmt"
)

// MaxStoreLevel bounds the number of store roots a queue entry can carry.
const MaxStoreLevel = 5

// StateQueued is the only state currently assigned to queued work.
const StateQueued int32 = 0

// Entry is one unit of queued post-processing work. StorePaths[0] is the
// object's current placement; later elements, when present, describe the
// intended destination chain. ObjID detects overwrites: an entry re-queued
// after a reader took its copy gets a fresh id, and the stale copy can no
// longer delete it.
type Entry struct {
	StorePaths []string
	State      int32
	ObjID      uint64
}

// The on-disk record is field-by-field: a uint16 store-path count, each path
// as uint16 length + bytes, then fixed-width state (int32) and obj-id
// (uint64), all big-endian.

// encode serializes the entry.
func (e *Entry) encode() ([]byte, error) {
	if len(e.StorePaths) > MaxStoreLevel {
		return nil, fmt.Errorf("postprocess: %d store paths exceeds limit %d", len(e.StorePaths), MaxStoreLevel)
	}
	size := 2
	for _, p := range e.StorePaths {
		if len(p) > 0xFFFF {
			return nil, fmt.Errorf("postprocess: store path too long: %d bytes", len(p))
		}
		size += 2 + len(p)
	}
	size += 4 + 8

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.StorePaths)))
	for _, p := range e.StorePaths {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(p)))
		buf = append(buf, p...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.State))
	buf = binary.BigEndian.AppendUint64(buf, e.ObjID)
	return buf, nil
}

// decodeEntry parses a serialized entry.
func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if len(data) < 2 {
		return e, fmt.Errorf("postprocess: record truncated at path count")
	}
	count := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if count > MaxStoreLevel {
		return e, fmt.Errorf("postprocess: record has %d store paths, limit %d", count, MaxStoreLevel)
	}
	for i := 0; i < count; i++ {
		if len(data) < 2 {
			return e, fmt.Errorf("postprocess: record truncated at path %d length", i)
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return e, fmt.Errorf("postprocess: record truncated at path %d body", i)
		}
		e.StorePaths = append(e.StorePaths, string(data[:n]))
		data = data[n:]
	}
	if len(data) < 4+8 {
		return e, fmt.Errorf("postprocess: record truncated at trailer")
	}
	e.State = int32(binary.BigEndian.Uint32(data))
	e.ObjID = binary.BigEndian.Uint64(data[4:])
	return e, nil
}
