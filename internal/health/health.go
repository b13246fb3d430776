// Package health aggregates per-component liveness into the snapshot
// served at GET /health: overall status, uptime, watcher coverage, and
// error counts.
package health

import (
	"sync"
	"time"
)

// Status is the aggregated or per-component health state.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusStarting Status = "starting"
)

// CheckResult is one component's self-report.
type CheckResult struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Check is a component's health probe. Checks must be cheap; they run
// on every /health request.
type Check func() CheckResult

// Snapshot is the body of GET /health.
type Snapshot struct {
	Status       Status                 `json:"status"`
	UptimeS      int64                  `json:"uptime_s"`
	WatchedFiles int                    `json:"watched_files"`
	Errors       uint64                 `json:"errors"`
	Cursor       uint64                 `json:"cursor"`
	Components   map[string]CheckResult `json:"components,omitempty"`
}

// Checker collects component checks and readiness.
type Checker struct {
	mu        sync.RWMutex
	checks    map[string]Check
	startTime time.Time
	ready     bool

	watchedFiles func() int
	errorsTotal  func() uint64
	cursor       func() uint64
}

// NewChecker creates an empty Checker. The daemon wires in the top-line
// gauges before serving.
func NewChecker() *Checker {
	return &Checker{
		checks:    make(map[string]Check),
		startTime: time.Now(),
	}
}

// Register adds a named component check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetGauges wires the top-line snapshot numbers. Nil funcs are allowed
// and read as zero.
func (c *Checker) SetGauges(watchedFiles func() int, errorsTotal func() uint64, cursor func() uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchedFiles = watchedFiles
	c.errorsTotal = errorsTotal
	c.cursor = cursor
}

// SetReady flips the readiness gate. Until ready, Snapshot reports
// "starting".
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady reports the readiness gate.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Snapshot runs every check and aggregates the result. Overall status
// is the worst component status, or "starting" before readiness.
func (c *Checker) Snapshot() Snapshot {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	ready := c.ready
	watchedFiles := c.watchedFiles
	errorsTotal := c.errorsTotal
	cursor := c.cursor
	start := c.startTime
	c.mu.RUnlock()

	snap := Snapshot{
		Status:     StatusHealthy,
		UptimeS:    int64(time.Since(start).Seconds()),
		Components: make(map[string]CheckResult, len(checks)),
	}
	if watchedFiles != nil {
		snap.WatchedFiles = watchedFiles()
	}
	if errorsTotal != nil {
		snap.Errors = errorsTotal()
	}
	if cursor != nil {
		snap.Cursor = cursor()
	}

	for name, check := range checks {
		result := check()
		snap.Components[name] = result
		if result.Status == StatusDegraded {
			snap.Status = StatusDegraded
		}
	}
	if !ready {
		snap.Status = StatusStarting
	}
	return snap
}
