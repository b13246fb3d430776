package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// ValidationError represents a single configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration. A non-nil error is fatal at startup;
// configuration faults are never observed at runtime.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if len(c.Watch.Roots) == 0 {
		errs = append(errs, ValidationError{Field: "watch.watch_roots", Message: "at least one watch root required"})
	}
	for _, root := range c.Watch.Roots {
		if !filepath.IsAbs(root) {
			errs = append(errs, ValidationError{
				Field:   "watch.watch_roots",
				Message: fmt.Sprintf("root %q is not absolute", root),
			})
		}
	}
	for _, g := range c.Watch.ExcludeGlobs {
		if _, err := filepath.Match(g, "probe"); err != nil {
			errs = append(errs, ValidationError{
				Field:   "watch.exclusion_globs",
				Message: fmt.Sprintf("malformed glob %q: %v", g, err),
			})
		}
	}
	if c.Watch.DebounceMs < 0 || c.Watch.DebounceMs > 10_000 {
		errs = append(errs, ValidationError{Field: "watch.debounce_delay_ms", Message: "must be in [0, 10000]"})
	}
	if c.Watch.DedupWindowMs < 0 {
		errs = append(errs, ValidationError{Field: "watch.dedup_window_ms", Message: "must be >= 0"})
	}
	if c.Watch.MaxFileSize <= 0 {
		errs = append(errs, ValidationError{Field: "watch.max_file_size_bytes", Message: "must be > 0"})
	}
	if c.Watch.MaxPendingPaths <= 0 {
		errs = append(errs, ValidationError{Field: "watch.max_pending_paths", Message: "must be > 0"})
	}

	if c.Storage.DataDir == "" {
		errs = append(errs, ValidationError{Field: "storage.data_dir", Message: "required"})
	}
	if c.Storage.MaxQueryLimit <= 0 {
		errs = append(errs, ValidationError{Field: "storage.max_query_limit", Message: "must be > 0"})
	}
	if c.Storage.SessionGapMs <= 0 {
		errs = append(errs, ValidationError{Field: "storage.session_gap_ms", Message: "must be > 0"})
	}

	if c.Link.PreMs < 0 || c.Link.PostMs < 0 || c.Link.GraceMs < 0 {
		errs = append(errs, ValidationError{Field: "link", Message: "linking windows must be >= 0"})
	}

	if c.Server.TailBacklog <= 0 {
		errs = append(errs, ValidationError{Field: "server.tail_backlog", Message: "must be > 0"})
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: fmt.Sprintf("invalid address %q: %v", c.Server.ListenAddr, err),
		})
	}

	if c.Enrich.Workers <= 0 {
		errs = append(errs, ValidationError{Field: "enrich.workers", Message: "must be > 0"})
	}
	if c.Enrich.ContentCacheEntries <= 0 {
		errs = append(errs, ValidationError{Field: "enrich.content_cache_entries", Message: "must be > 0"})
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level)})
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
