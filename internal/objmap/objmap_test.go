package objmap

import (
	"errors"
	"sort"
	"testing"

	"github.com/buryhuang/routefs/internal/index"
)

func openTestMap(t *testing.T, cacheMode bool) *Map {
	t.Helper()
	m, err := Open(t.TempDir(), cacheMode)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSetGetDelete(t *testing.T) {
	m := openTestMap(t, true)

	if err := m.Set("/a.txt", "/stores/hot", L1); err != nil {
		t.Fatalf("Set L1: %v", err)
	}
	if err := m.Set("/a.txt", "/stores/cold", L2); err != nil {
		t.Fatalf("Set L2: %v", err)
	}

	if got, err := m.Get("/a.txt", L1); err != nil || got != "/stores/hot" {
		t.Errorf("Get L1 = (%q, %v), want /stores/hot", got, err)
	}
	if got, err := m.Get("/a.txt", L2); err != nil || got != "/stores/cold" {
		t.Errorf("Get L2 = (%q, %v), want /stores/cold", got, err)
	}

	if err := m.Delete("/a.txt", L1); err != nil {
		t.Fatalf("Delete L1: %v", err)
	}
	if _, err := m.Get("/a.txt", L1); !errors.Is(err, index.ErrNotFound) {
		t.Errorf("expected ErrNotFound on L1 after delete, got %v", err)
	}
	// L2 is independent of L1.
	if _, err := m.Get("/a.txt", L2); err != nil {
		t.Errorf("L2 entry should survive L1 delete, got %v", err)
	}
}

func TestL2RequiresCacheMode(t *testing.T) {
	m := openTestMap(t, false)
	if err := m.Set("/a", "/s", L2); err == nil {
		t.Error("Set on closed L2 should fail")
	}
	if m.HasL2() {
		t.Error("HasL2 should be false without cache mode")
	}
}

func TestListRootOnlyDirectChildren(t *testing.T) {
	m := openTestMap(t, false)
	entries := map[string]string{
		"/a.txt":  "/s",
		"/b.txt":  "/s",
		"/d/x":    "/s",
		"/d/e/f":  "/s",
		"/imgdir": "/s",
	}
	for p, s := range entries {
		if err := m.Set(p, s, L1); err != nil {
			t.Fatalf("Set %s: %v", p, err)
		}
	}

	names, err := m.List("/", L1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(names)
	want := []string{"a.txt", "b.txt", "imgdir"}
	if len(names) != len(want) {
		t.Fatalf("List(/) = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List(/)[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestListSubdirExcludesSelfAndGrandchildren(t *testing.T) {
	m := openTestMap(t, false)
	for _, p := range []string{"/a", "/a/x", "/a/y", "/a/b/c"} {
		if err := m.Set(p, "/s", L1); err != nil {
			t.Fatalf("Set %s: %v", p, err)
		}
	}

	names, err := m.List("/a", L1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(names)
	want := []string{"x", "y"}
	if len(names) != len(want) {
		t.Fatalf("List(/a) = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List(/a)[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestWalk(t *testing.T) {
	m := openTestMap(t, false)
	for _, p := range []string{"/a", "/b"} {
		if err := m.Set(p, "/s", L1); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	got := make(map[string]string)
	if err := m.Walk(L1, func(path, store string) bool {
		got[path] = store
		return true
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(got) != 2 || got["/a"] != "/s" || got["/b"] != "/s" {
		t.Errorf("Walk collected %v", got)
	}
}
