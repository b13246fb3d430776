package classify

import (
	"path/filepath"
	"strings"
)

// languageTable maps file extensions to language names. Extensions not
// present map to "unknown" and are treated as non-text.
var languageTable = map[string]string{
	".go":         "go",
	".js":         "javascript",
	".jsx":        "javascript",
	".mjs":        "javascript",
	".cjs":        "javascript",
	".ts":         "typescript",
	".tsx":        "typescript",
	".py":         "python",
	".rb":         "ruby",
	".rs":         "rust",
	".java":       "java",
	".kt":         "kotlin",
	".swift":      "swift",
	".c":          "c",
	".h":          "c",
	".cc":         "cpp",
	".cpp":        "cpp",
	".hpp":        "cpp",
	".cs":         "csharp",
	".php":        "php",
	".sh":         "shell",
	".bash":       "shell",
	".zsh":        "shell",
	".fish":       "shell",
	".sql":        "sql",
	".html":       "html",
	".htm":        "html",
	".css":        "css",
	".scss":       "css",
	".less":       "css",
	".vue":        "vue",
	".svelte":     "svelte",
	".json":       "json",
	".yaml":       "yaml",
	".yml":        "yaml",
	".toml":       "toml",
	".xml":        "xml",
	".md":         "markdown",
	".rst":        "markdown",
	".txt":        "text",
	".csv":        "text",
	".env":        "text",
	".ini":        "text",
	".cfg":        "text",
	".lua":        "lua",
	".r":          "r",
	".scala":      "scala",
	".ex":         "elixir",
	".exs":        "elixir",
	".erl":        "erlang",
	".hs":         "haskell",
	".ml":         "ocaml",
	".zig":        "zig",
	".dart":       "dart",
	".proto":      "protobuf",
	".tf":         "terraform",
	".dockerfile": "dockerfile",
	".ipynb":      "notebook",
}

// languageFor returns the language for a path and whether the file is
// treated as text.
func languageFor(path string) (lang string, isText bool) {
	base := strings.ToLower(filepath.Base(path))
	if base == "dockerfile" {
		return "dockerfile", true
	}
	if base == "makefile" {
		return "make", true
	}
	ext := strings.ToLower(filepath.Ext(path))
	if l, ok := languageTable[ext]; ok {
		return l, true
	}
	return "unknown", false
}
