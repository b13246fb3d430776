package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pulsed/internal/classify"
	"pulsed/internal/metrics"
)

func newTestWatcher(t *testing.T, root string, maxSize int64) *Watcher {
	t.Helper()
	w := New(Options{
		Roots:       []string{root},
		Classifier:  classify.New(classify.Options{Roots: []string{root}}),
		Settle:      100 * time.Millisecond,
		MaxFileSize: maxSize,
		Metrics:     metrics.NewRegistry(),
	})
	if err := w.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

// collect drains raw records until the deadline or n records arrive.
func collect(w *Watcher, n int, deadline time.Duration) []Raw {
	var got []Raw
	timeout := time.After(deadline)
	for len(got) < n {
		select {
		case r := <-w.Out():
			got = append(got, r)
		case <-timeout:
			return got
		}
	}
	return got
}

func TestWatcherEmitsAddAfterSettle(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, 0)

	path := filepath.Join(root, "a.go")
	if err := os.WriteFile(path, []byte("package a\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got := collect(w, 1, 3*time.Second)
	if len(got) == 0 {
		t.Fatal("no raw record emitted")
	}
	if got[0].Op != OpAdd || got[0].Path != path {
		t.Errorf("got %v %q, want add %q", got[0].Op, got[0].Path, path)
	}
}

func TestWatcherRegistersBeforeStartReturns(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	// Registration is synchronous for reachable roots: a write landing
	// the instant Start returns must be observed.
	w := newTestWatcher(t, root, 0)
	if dirs := w.Health().WatchedDirs; dirs < 2 {
		t.Fatalf("WatchedDirs = %d right after Start, want >= 2", dirs)
	}

	path := filepath.Join(root, "sub", "b.go")
	if err := os.WriteFile(path, []byte("package b\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got := collect(w, 1, 3*time.Second)
	if len(got) == 0 {
		t.Fatal("no raw record for a write immediately after Start")
	}
	if got[0].Path != path {
		t.Errorf("got %q, want %q", got[0].Path, path)
	}
}

func TestWatcherEmitsUnlinkImmediately(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doomed.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, root, 0)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	got := collect(w, 1, 3*time.Second)
	if len(got) == 0 {
		t.Fatal("no raw record emitted")
	}
	if got[0].Op != OpUnlink {
		t.Errorf("op = %v, want unlink", got[0].Op)
	}
}

func TestWatcherSizeGate(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, 16) // 16-byte gate

	big := filepath.Join(root, "big.txt")
	if err := os.WriteFile(big, make([]byte, 64), 0644); err != nil {
		t.Fatal(err)
	}

	got := collect(w, 1, time.Second)
	if len(got) != 0 {
		t.Fatalf("oversize file emitted: %+v", got)
	}
	if w.Health().OversizeDrops != 1 {
		t.Errorf("oversize drops = %d, want 1", w.Health().OversizeDrops)
	}
}

func TestWatcherIgnoresExcludedDirs(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "x"), 0755); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, root, 0)

	if err := os.WriteFile(filepath.Join(root, "node_modules", "x", "index.js"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	got := collect(w, 1, time.Second)
	if len(got) != 0 {
		t.Fatalf("excluded path emitted: %+v", got)
	}
}

func TestWatcherNewSubdirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, 0)

	sub := filepath.Join(root, "pkg")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to register the new directory.
	time.Sleep(300 * time.Millisecond)

	path := filepath.Join(sub, "b.go")
	if err := os.WriteFile(path, []byte("package b\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got := collect(w, 1, 3*time.Second)
	if len(got) == 0 {
		t.Fatal("no record for file in new subdirectory")
	}
	if got[0].Path != path {
		t.Errorf("path = %q, want %q", got[0].Path, path)
	}
}

func TestWatcherHealth(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, 0)

	h := w.Health()
	if len(h.Roots) != 1 || h.Roots[0] != root {
		t.Errorf("roots = %v", h.Roots)
	}
	if h.Errors != 0 {
		t.Errorf("errors = %d, want 0", h.Errors)
	}
}
