// Package classify decides whether a filesystem path is worth watching,
// which workspace owns it, and what language it is written in. All
// functions are pure: classification never touches the filesystem except
// for the workspace marker walk.
package classify

import (
	"os"
	"path/filepath"
	"strings"

	"pulsed/internal/record"
)

// Result is the outcome of classifying a single absolute path.
type Result struct {
	Watchable bool
	Workspace string
	Language  string
	IsText    bool
}

// Options configures a Classifier.
type Options struct {
	// Roots are the configured watch roots. A path directly under a root
	// resolves its workspace to root/firstChildSegment.
	Roots []string

	// ExcludeGlobs are additional exclusion patterns evaluated after the
	// built-in set. Matched against the full path and each path segment.
	ExcludeGlobs []string

	// MarkerFiles are filenames whose presence in a directory marks it as
	// a workspace root during the parent walk. VCS directories are always
	// markers.
	MarkerFiles []string
}

// Classifier classifies paths against a fixed rule set.
type Classifier struct {
	roots    []string
	globs    []string
	markers  []string
	statFunc func(string) (os.FileInfo, error)
}

// Excluded directory names, matched against any path segment. First
// match wins; evaluation is a single pass over the segments.
var excludedDirs = map[string]struct{}{
	".git": {}, ".hg": {}, ".svn": {},
	"node_modules": {}, "__pycache__": {}, ".pytest_cache": {},
	".venv": {}, "venv": {}, ".tox": {},
	"dist": {}, "build": {}, "out": {}, "target": {},
	".cache": {}, ".next": {}, ".nuxt": {}, "coverage": {},
	".idea": {}, ".vscode-test": {}, "vendor": {},
}

// Extensions that are never watchable (binaries, archives, media).
var excludedExts = map[string]struct{}{
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".a": {}, ".o": {},
	".class": {}, ".jar": {}, ".pyc": {}, ".pyo": {}, ".wasm": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".bz2": {}, ".xz": {}, ".7z": {}, ".rar": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".ico": {}, ".webp": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wav": {}, ".flac": {},
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".db": {}, ".sqlite": {}, ".sqlite3": {}, ".bin": {}, ".dat": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
}

// defaultMarkers are workspace markers used when none are configured.
var defaultMarkers = []string{".git", "package.json", "go.mod", "pyproject.toml", "Cargo.toml"}

// New builds a Classifier. Roots are cleaned to absolute form by the
// caller (config validation guarantees it).
func New(opts Options) *Classifier {
	markers := opts.MarkerFiles
	if len(markers) == 0 {
		markers = defaultMarkers
	}
	roots := make([]string, 0, len(opts.Roots))
	for _, r := range opts.Roots {
		roots = append(roots, filepath.Clean(r))
	}
	return &Classifier{
		roots:    roots,
		globs:    opts.ExcludeGlobs,
		markers:  markers,
		statFunc: os.Stat,
	}
}

// Classify resolves watchability, workspace, and language for path.
func (c *Classifier) Classify(path string) Result {
	path = filepath.Clean(path)

	if c.excluded(path) {
		return Result{Watchable: false, Workspace: c.workspaceFor(path)}
	}

	lang, isText := languageFor(path)
	return Result{
		Watchable: true,
		Workspace: c.workspaceFor(path),
		Language:  lang,
		IsText:    isText,
	}
}

// Excluded reports whether a path (file or directory) matches the
// exclusion rules. Watchers use it to prune whole directory trees.
func (c *Classifier) Excluded(path string) bool {
	return c.excluded(filepath.Clean(path))
}

// excluded runs the single-pass exclusion check; the first matching rule
// wins.
func (c *Classifier) excluded(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, bad := excludedExts[ext]; bad {
		return true
	}

	base := filepath.Base(path)
	for _, seg := range strings.Split(path, string(filepath.Separator)) {
		if _, bad := excludedDirs[seg]; bad {
			return true
		}
	}
	// Editor droppings and hidden state files.
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") {
		return true
	}

	for _, g := range c.globs {
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
	}
	return false
}

// workspaceFor resolves the owning workspace root for a path.
//
// Resolution order: (a) first-child segment under a configured root,
// (b) nearest parent containing a workspace marker, (c) "unknown".
// The walk stops at the first match, so ties are impossible.
func (c *Classifier) workspaceFor(path string) string {
	for _, root := range c.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) == 1 {
			// File directly inside the root: the root itself owns it.
			return root
		}
		return filepath.Join(root, parts[0])
	}

	dir := filepath.Dir(path)
	for {
		for _, m := range c.markers {
			if _, err := c.statFunc(filepath.Join(dir, m)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return record.WorkspaceUnknown
		}
		dir = parent
	}
}
