// Package rootmap routes filename suffixes to backing store roots. The route
// table is seeded with a default rule and optionally extended from a
// `.type.map` file at the meta root.
package rootmap

import (
	"bufio"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultHint is the catch-all route key used when a path has no suffix.
const DefaultHint = "*"

// TypeMapFile is the name of the optional route configuration file.
const TypeMapFile = ".type.map"

// Table maps hashed type hints to store roots. Lookups return owned copies;
// the table is immutable after Load.
type Table struct {
	routes map[uint32]string
	hints  map[string]uint32
}

// hintHash canonicalizes a hint. The hash is CRC-32 over the ASCII-lowercased
// hint bytes and is part of the route-table contract.
func hintHash(hint string) uint32 {
	return crc32.ChecksumIEEE([]byte(strings.ToLower(hint)))
}

// New returns a table holding only the default rule `* -> defaultRoot`.
func New(defaultRoot string) *Table {
	t := &Table{
		routes: make(map[uint32]string),
		hints:  make(map[string]uint32),
	}
	t.add(DefaultHint, defaultRoot)
	return t
}

func (t *Table) add(hint, dest string) {
	h := hintHash(hint)
	t.hints[hint] = h
	t.routes[h] = dest
}

// Load builds a table from <metaRoot>/.type.map. The default rule is always
// installed first, so an explicit `*` line overrides it. Lines without a
// comma, or whose destination is not a registered valid store, are skipped
// with a warning. A missing file leaves the default-only table.
func Load(metaRoot, defaultRoot string, isValidStore func(string) bool, logger *slog.Logger) (*Table, error) {
	t := New(defaultRoot)

	path := filepath.Join(metaRoot, TypeMapFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("no type map found, using default route only", "path", path)
			return t, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		hint, dest, ok := strings.Cut(line, ",")
		if !ok {
			logger.Warn("invalid type map line, skipping", "line", line)
			continue
		}
		if !isValidStore(dest) {
			logger.Warn("invalid type map destination, skipping", "line", line)
			continue
		}
		logger.Info("adding type route", "hint", hint, "dest", dest)
		t.add(hint, dest)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// Suffix extracts the type hint from a path: the substring starting at the
// last '.' (dot included), or "" when the path has none.
func Suffix(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}

// Dest returns the store root routed for hint. An empty or unknown hint
// falls back to the default rule. The returned string is an owned copy.
func (t *Table) Dest(hint string) string {
	if hint != "" {
		if dest, ok := t.routes[hintHash(hint)]; ok {
			return dest
		}
	}
	return t.routes[hintHash(DefaultHint)]
}

// DestForPath resolves the route for a whole path by its suffix.
func (t *Table) DestForPath(path string) string {
	return t.Dest(Suffix(path))
}

// String renders the hint table for diagnostics.
func (t *Table) String() string {
	var b strings.Builder
	for hint, h := range t.hints {
		b.WriteString(hint)
		b.WriteString(" -> ")
		b.WriteString(t.routes[h])
		b.WriteString("\n")
	}
	return b.String()
}
