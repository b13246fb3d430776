package classify

import (
	"os"
	"path/filepath"
	"testing"

	"pulsed/internal/record"
)

func TestWorkspaceUnderRoot(t *testing.T) {
	c := New(Options{Roots: []string{"/home/u/Desktop"}})

	res := c.Classify("/home/u/Desktop/proj-X/src/a.ts")
	if !res.Watchable {
		t.Fatal("expected watchable")
	}
	if want := filepath.Join("/home/u/Desktop", "proj-X"); res.Workspace != want {
		t.Errorf("workspace = %q, want %q", res.Workspace, want)
	}
	if res.Language != "typescript" {
		t.Errorf("language = %q, want typescript", res.Language)
	}
	if !res.IsText {
		t.Error("expected text")
	}
}

func TestWorkspaceFileDirectlyInRoot(t *testing.T) {
	c := New(Options{Roots: []string{"/home/u/Desktop"}})
	res := c.Classify("/home/u/Desktop/notes.md")
	if res.Workspace != "/home/u/Desktop" {
		t.Errorf("workspace = %q, want the root itself", res.Workspace)
	}
}

func TestWorkspaceMarkerWalk(t *testing.T) {
	dir := t.TempDir()
	proj := filepath.Join(dir, "deep", "proj")
	if err := os.MkdirAll(filepath.Join(proj, "src", "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(proj, "go.mod"), []byte("module x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c := New(Options{}) // no roots: marker walk only
	res := c.Classify(filepath.Join(proj, "src", "pkg", "a.go"))
	if res.Workspace != proj {
		t.Errorf("workspace = %q, want %q", res.Workspace, proj)
	}
}

func TestWorkspaceUnknown(t *testing.T) {
	c := New(Options{})
	c.statFunc = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	res := c.Classify("/nowhere/special/file.xyz")
	if res.Workspace != record.WorkspaceUnknown {
		t.Errorf("workspace = %q, want unknown", res.Workspace)
	}
}

func TestExclusions(t *testing.T) {
	c := New(Options{
		Roots:        []string{"/w"},
		ExcludeGlobs: []string{"*.generated.js"},
	})

	cases := []struct {
		path      string
		watchable bool
	}{
		{"/w/p/src/index.ts", true},
		{"/w/p/node_modules/x/index.js", false},
		{"/w/p/.git/HEAD", false},
		{"/w/p/__pycache__/m.cpython-311.pyc", false},
		{"/w/p/dist/bundle.js", false},
		{"/w/p/img/logo.png", false},
		{"/w/p/archive.tar.gz", false},
		{"/w/p/a.swp", false},
		{"/w/p/draft.md~", false},
		{"/w/p/api.generated.js", false},
		{"/w/p/venv/lib/site.py", false},
		{"/w/p/Makefile", true},
	}
	for _, tc := range cases {
		got := c.Classify(tc.path).Watchable
		if got != tc.watchable {
			t.Errorf("Classify(%q).Watchable = %v, want %v", tc.path, got, tc.watchable)
		}
	}
}

func TestLanguageTable(t *testing.T) {
	cases := []struct {
		path   string
		lang   string
		isText bool
	}{
		{"/w/a.go", "go", true},
		{"/w/a.tsx", "typescript", true},
		{"/w/a.py", "python", true},
		{"/w/Dockerfile", "dockerfile", true},
		{"/w/Makefile", "make", true},
		{"/w/a.weird", "unknown", false},
		{"/w/README.md", "markdown", true},
	}
	for _, tc := range cases {
		lang, isText := languageFor(tc.path)
		if lang != tc.lang || isText != tc.isText {
			t.Errorf("languageFor(%q) = (%q, %v), want (%q, %v)", tc.path, lang, isText, tc.lang, tc.isText)
		}
	}
}

func TestWorkspaceIsPathPrefix(t *testing.T) {
	c := New(Options{Roots: []string{"/home/u/Desktop", "/home/u/Documents"}})
	paths := []string{
		"/home/u/Desktop/p1/a.go",
		"/home/u/Documents/p2/deep/b.ts",
		"/home/u/Desktop/loose.txt",
	}
	for _, p := range paths {
		ws := c.Classify(p).Workspace
		if ws == record.WorkspaceUnknown {
			continue
		}
		if rel, err := filepath.Rel(ws, p); err != nil || rel == ".." || filepath.IsAbs(rel) {
			t.Errorf("workspace %q is not a prefix of %q", ws, p)
		}
	}
}
