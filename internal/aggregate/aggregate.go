// Package aggregate maintains live rollups over the record stream:
// totals, hourly activity buckets, and derived sessions. It is a single
// tail reader of the store; all state is reproducible by replaying the
// log from cursor zero.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/record"
	"pulsed/internal/store"
)

// Options configures an Aggregator.
type Options struct {
	Store *store.Store
	// SessionGap separates synthetic sessions: activity in the same
	// workspace further apart than this starts a new session.
	SessionGap time.Duration
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}

// WindowStats is activity inside one time window.
type WindowStats struct {
	FileChanges      int64 `json:"file_changes"`
	AIInteractions   int64 `json:"ai_interactions"`
	TerminalCommands int64 `json:"terminal_commands"`
	CodeChangedBytes int64 `json:"code_changed_bytes"`
}

// Stats is the rollup served by the stats endpoint.
type Stats struct {
	TotalRecords     int64                  `json:"total_records"`
	FileChanges      int64                  `json:"file_changes"`
	AIInteractions   int64                  `json:"ai_interactions"`
	TerminalCommands int64                  `json:"terminal_commands"`
	CodeChangedBytes int64                  `json:"code_changed_bytes"`
	AvgContextUsage  *float64               `json:"avg_context_usage,omitempty"`
	Sessions         int64                  `json:"sessions"`
	Windows          map[string]WindowStats `json:"windows"`
}

// bucket accumulates one hour of activity in one workspace.
type bucket struct {
	fileChanges      int64
	aiInteractions   int64
	terminalCommands int64
	codeChangedBytes int64
}

// bucketKey addresses an hourly bucket.
type bucketKey struct {
	hour      int64 // hour start, unix seconds
	workspace string
}

// totals is the all-time accumulator, kept globally and per workspace.
type totals struct {
	records          int64
	fileChanges      int64
	aiInteractions   int64
	terminalCommands int64
	codeChangedBytes int64
	contextUsageSum  float64
	contextUsageN    int64
}

// sessionState is a session still being extended.
type sessionState struct {
	session record.Session
}

// Aggregator folds the record stream into queryable rollups.
type Aggregator struct {
	opts Options
	log  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	warm   chan struct{}

	mu         sync.RWMutex
	lastCursor uint64

	all   totals
	perWS map[string]*totals

	hours map[bucketKey]*bucket

	explicit  map[string]*sessionState // keyed by session_id
	synthetic map[string]*sessionState // keyed by workspace, current chain
	closed    []record.Session
	synthSeq  map[string]int64

	resumesTotal *metrics.Counter
	foldErrTotal *metrics.Counter
}

// New creates an Aggregator over s.
func New(opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.SessionGap <= 0 {
		opts.SessionGap = 15 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		opts:   opts,
		log:    opts.Logger.WithComponent("aggregate"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		warm:   make(chan struct{}),

		perWS:     make(map[string]*totals),
		hours:     make(map[bucketKey]*bucket),
		explicit:  make(map[string]*sessionState),
		synthetic: make(map[string]*sessionState),
		synthSeq:  make(map[string]int64),

		resumesTotal: opts.Metrics.Counter("aggregate_resumes_total", "tail reconnects after falling behind"),
		foldErrTotal: opts.Metrics.Counter("aggregate_fold_errors_total", "records that failed to fold"),
	}
}

// Start begins tailing the store from cursor zero. The aggregator is
// warm once the replay has caught up with the cursor the store reported
// at start time.
func (a *Aggregator) Start() {
	target := a.opts.Store.LastCursor()
	go a.run(target)
}

// Stop detaches from the store and waits for the fold loop to exit.
func (a *Aggregator) Stop() {
	a.cancel()
	<-a.done
}

// Ready reports whether the initial replay has completed.
func (a *Aggregator) Ready() bool {
	select {
	case <-a.warm:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the initial replay completes or ctx is done.
func (a *Aggregator) WaitReady(ctx context.Context) error {
	select {
	case <-a.warm:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) run(warmTarget uint64) {
	defer close(a.done)

	if warmTarget == 0 {
		close(a.warm)
	}

	for {
		a.mu.RLock()
		from := a.lastCursor
		a.mu.RUnlock()

		tail := a.opts.Store.Tail(a.ctx, from)
		for env := range tail.C() {
			a.fold(env)
			if env.Cursor >= warmTarget {
				select {
				case <-a.warm:
				default:
					close(a.warm)
				}
			}
		}

		if a.ctx.Err() != nil {
			return
		}
		if errors.Is(tail.Err(), store.ErrResumeRequired) {
			// The fold loop outran the backlog window; re-tail from the
			// last folded cursor. The store replays the gap from disk.
			a.resumesTotal.Inc()
			a.log.Warn("aggregate tail fell behind, resuming", "from_cursor", from)
			continue
		}
		// Store shut down.
		return
	}
}

// fold applies one record to the rollups.
func (a *Aggregator) fold(env record.Envelope) {
	rec, err := record.Decode(env.Kind, env.Payload)
	if err != nil {
		a.foldErrTotal.Inc()
		a.log.Error("undecodable record in feed", "cursor", env.Cursor, "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastCursor = env.Cursor

	switch r := rec.(type) {
	case *record.Event:
		ws := a.totalsFor(r.Workspace)
		var changed int64
		if r.Details.CharsAdded != nil {
			changed += *r.Details.CharsAdded
		}
		if r.Details.CharsDeleted != nil {
			changed += *r.Details.CharsDeleted
		}
		for _, t := range []*totals{&a.all, ws} {
			t.records++
			t.fileChanges++
			t.codeChangedBytes += changed
		}
		b := a.bucketFor(r.Timestamp, r.Workspace)
		b.fileChanges++
		b.codeChangedBytes += changed
		a.extendSyntheticLocked(r.Workspace, r.Timestamp)

	case *record.Prompt:
		ws := a.totalsFor(r.Workspace)
		for _, t := range []*totals{&a.all, ws} {
			t.records++
			t.aiInteractions++
			if r.ContextUsage != nil {
				t.contextUsageSum += *r.ContextUsage
				t.contextUsageN++
			}
		}
		a.bucketFor(r.Timestamp, r.Workspace).aiInteractions++
		if r.SessionID != "" {
			a.extendExplicitLocked(r.SessionID, r.Workspace, r.Timestamp)
		} else {
			a.extendSyntheticLocked(r.Workspace, r.Timestamp)
		}

	case *record.TerminalCommand:
		ws := a.totalsFor(r.Workspace)
		for _, t := range []*totals{&a.all, ws} {
			t.records++
			t.terminalCommands++
		}
		a.bucketFor(r.Timestamp, r.Workspace).terminalCommands++
		if r.SessionID != "" {
			a.extendExplicitLocked(r.SessionID, r.Workspace, r.Timestamp)
		} else {
			a.extendSyntheticLocked(r.Workspace, r.Timestamp)
		}

	case *record.PromptLink:
		// Folded by the store's prompt materialization; nothing to
		// roll up here. Links still advance the cursor and the record
		// total.
		a.all.records++
	}

	a.pruneLocked(time.Unix(0, a.nowTsLocked()))
}

func (a *Aggregator) nowTsLocked() int64 {
	// Rollup time follows the stream, not the wall clock, so replay of
	// an old log converges to the same state it had live.
	var max int64
	for _, st := range a.synthetic {
		if st.session.End > max {
			max = st.session.End
		}
	}
	for _, st := range a.explicit {
		if st.session.End > max {
			max = st.session.End
		}
	}
	return max
}

func (a *Aggregator) totalsFor(workspace string) *totals {
	if workspace == "" {
		workspace = record.WorkspaceUnknown
	}
	t, ok := a.perWS[workspace]
	if !ok {
		t = &totals{}
		a.perWS[workspace] = t
	}
	return t
}

func (a *Aggregator) bucketFor(ts int64, workspace string) *bucket {
	if workspace == "" {
		workspace = record.WorkspaceUnknown
	}
	key := bucketKey{hour: time.Unix(0, ts).Truncate(time.Hour).Unix(), workspace: workspace}
	b, ok := a.hours[key]
	if !ok {
		b = &bucket{}
		a.hours[key] = b
	}
	return b
}

// pruneLocked drops hourly buckets older than the widest served window.
func (a *Aggregator) pruneLocked(now time.Time) {
	horizon := now.Add(-7 * 24 * time.Hour).Truncate(time.Hour).Unix()
	for key := range a.hours {
		if key.hour < horizon {
			delete(a.hours, key)
		}
	}
}

func (a *Aggregator) extendSyntheticLocked(workspace string, ts int64) {
	if workspace == "" {
		workspace = record.WorkspaceUnknown
	}
	st, ok := a.synthetic[workspace]
	if ok && ts-st.session.End <= a.opts.SessionGap.Nanoseconds() {
		if ts > st.session.End {
			st.session.End = ts
		}
		st.session.RecordCount++
		return
	}
	if ok {
		a.closed = append(a.closed, st.session)
	}
	a.synthSeq[workspace]++
	a.synthetic[workspace] = &sessionState{session: record.Session{
		ID:          fmt.Sprintf("%s#%d", workspace, a.synthSeq[workspace]),
		Synthetic:   true,
		Workspace:   workspace,
		Start:       ts,
		End:         ts,
		RecordCount: 1,
	}}
}

func (a *Aggregator) extendExplicitLocked(id, workspace string, ts int64) {
	st, ok := a.explicit[id]
	if !ok {
		a.explicit[id] = &sessionState{session: record.Session{
			ID:          id,
			Workspace:   workspace,
			Start:       ts,
			End:         ts,
			RecordCount: 1,
		}}
		return
	}
	if ts < st.session.Start {
		st.session.Start = ts
	}
	if ts > st.session.End {
		st.session.End = ts
	}
	st.session.RecordCount++
}

// Stats returns the current rollup, scoped to workspace when non-empty.
// Windows cover the last 24 hours and 7 days of stream time.
func (a *Aggregator) Stats(workspace string) Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	t := &a.all
	if workspace != "" {
		if ws, ok := a.perWS[workspace]; ok {
			t = ws
		} else {
			t = &totals{}
		}
	}

	now := time.Unix(0, a.nowTsLocked())
	stats := Stats{
		TotalRecords:     t.records,
		FileChanges:      t.fileChanges,
		AIInteractions:   t.aiInteractions,
		TerminalCommands: t.terminalCommands,
		CodeChangedBytes: t.codeChangedBytes,
		Sessions:         a.sessionCountLocked(workspace),
		Windows: map[string]WindowStats{
			"24h": a.windowLocked(workspace, now.Add(-24*time.Hour)),
			"7d":  a.windowLocked(workspace, now.Add(-7*24*time.Hour)),
		},
	}
	if t.contextUsageN > 0 {
		avg := t.contextUsageSum / float64(t.contextUsageN)
		stats.AvgContextUsage = &avg
	}
	return stats
}

func (a *Aggregator) sessionCountLocked(workspace string) int64 {
	if workspace == "" {
		return int64(len(a.closed) + len(a.explicit) + len(a.synthetic))
	}
	var n int64
	for _, sess := range a.closed {
		if sess.Workspace == workspace {
			n++
		}
	}
	for _, st := range a.explicit {
		if st.session.Workspace == workspace {
			n++
		}
	}
	for _, st := range a.synthetic {
		if st.session.Workspace == workspace {
			n++
		}
	}
	return n
}

func (a *Aggregator) windowLocked(workspace string, since time.Time) WindowStats {
	var w WindowStats
	horizon := since.Truncate(time.Hour).Unix()
	for key, b := range a.hours {
		if key.hour < horizon {
			continue
		}
		if workspace != "" && key.workspace != workspace {
			continue
		}
		w.FileChanges += b.fileChanges
		w.AIInteractions += b.aiInteractions
		w.TerminalCommands += b.terminalCommands
		w.CodeChangedBytes += b.codeChangedBytes
	}
	return w
}

// Sessions lists derived sessions, most recent first. Open sessions are
// included with their current extent.
func (a *Aggregator) Sessions() []record.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]record.Session, 0, len(a.closed)+len(a.explicit)+len(a.synthetic))
	out = append(out, a.closed...)
	for _, st := range a.explicit {
		out = append(out, st.session)
	}
	for _, st := range a.synthetic {
		out = append(out, st.session)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start > out[j].Start
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LastCursor is the cursor of the last folded record.
func (a *Aggregator) LastCursor() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastCursor
}
