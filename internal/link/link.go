// Package link ingests AI prompt records and associates them with the
// file events that happened around them. Associations are written as
// append-only link records guarded by compare-and-set on the prompt
// version; linking failures are advisory and never block ingestion.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/record"
	"pulsed/internal/store"
)

// Options configures a Linker.
type Options struct {
	Store *store.Store
	// PreWindow extends the linking window before the prompt time.
	PreWindow time.Duration
	// PostWindow extends it after; events arriving inside it are linked
	// as they appear.
	PostWindow time.Duration
	// Grace delays sealing past the post window so late enrichment
	// still lands.
	Grace   time.Duration
	Logger  *logging.Logger
	Metrics *metrics.Registry

	now           func() time.Time
	sweepInterval time.Duration
}

// pending is a prompt whose post window is still open.
type pending struct {
	promptID  string
	workspace string
	timestamp int64
	sealAt    time.Time

	linked map[string]bool
	queued []string
}

// Linker validates and stores incoming prompts and maintains their
// event links until each prompt seals.
type Linker struct {
	opts Options
	log  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]*pending

	ingestedTotal  *metrics.Counter
	rejectedTotal  *metrics.Counter
	linkedTotal    *metrics.Counter
	conflictsTotal *metrics.Counter
	sealedTotal    *metrics.Counter
}

// New creates a Linker over s.
func New(opts Options) *Linker {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.PreWindow <= 0 {
		opts.PreWindow = 30 * time.Second
	}
	if opts.PostWindow <= 0 {
		opts.PostWindow = 5 * time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Minute
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.sweepInterval <= 0 {
		opts.sweepInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Linker{
		opts:    opts,
		log:     opts.Logger.WithComponent("link"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]*pending),

		ingestedTotal:  opts.Metrics.Counter("link_prompts_ingested_total", "prompts accepted"),
		rejectedTotal:  opts.Metrics.Counter("link_prompts_rejected_total", "prompts failing schema validation"),
		linkedTotal:    opts.Metrics.Counter("link_events_linked_total", "event associations written"),
		conflictsTotal: opts.Metrics.Counter("link_version_conflicts_total", "link appends lost a version race"),
		sealedTotal:    opts.Metrics.Counter("link_prompts_sealed_total", "prompts whose windows closed"),
	}
}

// Start launches the event tailer and the sealing loop.
func (l *Linker) Start() {
	go l.run()
}

// Stop seals nothing early; open windows are simply abandoned. Links
// already appended stay in the log.
func (l *Linker) Stop() {
	l.cancel()
	<-l.done
}

// Ingest validates, stores, and begins linking one prompt payload.
// Returns the assigned cursor. Validation failures return
// ErrInvalidPayload; they are the caller's problem, not the pipeline's.
func (l *Linker) Ingest(ctx context.Context, payload []byte) (uint64, *record.Prompt, error) {
	prompt, err := ValidatePrompt(payload)
	if err != nil {
		l.rejectedTotal.Inc()
		return 0, nil, err
	}

	// The core owns linked IDs and versions; whatever the client sent
	// is discarded.
	prompt.LinkedEventIDs = nil
	prompt.Version = 0

	cursor, err := l.opts.Store.Append(ctx, record.KindPrompt, prompt)
	if err != nil {
		return 0, nil, fmt.Errorf("link: store prompt: %w", err)
	}
	l.ingestedTotal.Inc()

	t := time.Unix(0, prompt.Timestamp)
	p := &pending{
		promptID:  prompt.ID,
		workspace: prompt.Workspace,
		timestamp: prompt.Timestamp,
		sealAt:    t.Add(l.opts.PostWindow + l.opts.Grace),
		linked:    make(map[string]bool),
	}

	// Register the window before the catch-up query, so events landing
	// concurrently are picked up by the tailer rather than lost between
	// the query and the registration.
	l.mu.Lock()
	l.pending[prompt.ID] = p
	l.mu.Unlock()

	// Link whatever part of the window is already in the store: the pre
	// window, plus any event appended while the prompt was being stored.
	// The dedupe map absorbs overlap with the tailer.
	stored, err := l.opts.Store.EventsInWindow(
		prompt.Workspace, t.Add(-l.opts.PreWindow), t.Add(l.opts.PostWindow))
	if err != nil {
		l.log.Warn("window catch-up query failed", "prompt", prompt.ID, "error", err)
	}
	l.mu.Lock()
	for _, ev := range stored {
		if ev.ID != "" && !p.linked[ev.ID] {
			p.linked[ev.ID] = true
			p.queued = append(p.queued, ev.ID)
		}
	}
	l.mu.Unlock()

	l.flush(p)
	return cursor, prompt, nil
}

// run tails the store for new file events and periodically flushes and
// seals pending prompts.
func (l *Linker) run() {
	defer close(l.done)

	tail := l.opts.Store.Tail(l.ctx, l.opts.Store.LastCursor())
	ticker := time.NewTicker(l.opts.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-tail.C():
			if !ok {
				if errors.Is(tail.Err(), store.ErrResumeRequired) {
					// Only fresh events matter for open windows, so
					// resuming at the head loses nothing the pre-window
					// query cannot recover.
					tail = l.opts.Store.Tail(l.ctx, l.opts.Store.LastCursor())
					continue
				}
				return
			}
			if env.Kind.IsFileKind() {
				l.observe(env)
			}
		case <-ticker.C:
			l.sweep()
		case <-l.ctx.Done():
			return
		}
	}
}

// observe offers one file event to every open window it falls into.
func (l *Linker) observe(env record.Envelope) {
	rec, err := record.Decode(env.Kind, env.Payload)
	if err != nil {
		return
	}
	ev, ok := rec.(*record.Event)
	if !ok {
		return
	}

	var matched []*pending
	l.mu.Lock()
	for _, p := range l.pending {
		if p.workspace != "" && p.workspace != ev.Workspace {
			continue
		}
		if ev.Timestamp < p.timestamp-l.opts.PreWindow.Nanoseconds() ||
			ev.Timestamp > p.timestamp+l.opts.PostWindow.Nanoseconds() {
			continue
		}
		if ev.ID == "" || p.linked[ev.ID] {
			continue
		}
		p.linked[ev.ID] = true
		p.queued = append(p.queued, ev.ID)
		matched = append(matched, p)
	}
	l.mu.Unlock()

	for _, p := range matched {
		l.flush(p)
	}
}

// sweep flushes queued links and drops windows past their seal time.
func (l *Linker) sweep() {
	now := l.opts.now()

	var flushable []*pending
	var sealed []*pending
	l.mu.Lock()
	for id, p := range l.pending {
		if len(p.queued) > 0 {
			flushable = append(flushable, p)
		}
		if now.After(p.sealAt) {
			sealed = append(sealed, p)
			delete(l.pending, id)
		}
	}
	l.mu.Unlock()

	for _, p := range flushable {
		l.flush(p)
	}
	for _, p := range sealed {
		l.flush(p)
		l.sealedTotal.Inc()
		l.log.Debug("prompt sealed", "prompt", p.promptID, "linked", len(p.linked))
	}
}

// flush appends one link record covering the queued event IDs. A lost
// version race is retried once against the re-read version; a second
// loss is logged and the IDs are abandoned (advisory by contract).
func (l *Linker) flush(p *pending) {
	l.mu.Lock()
	ids := p.queued
	p.queued = nil
	l.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		current, err := l.opts.Store.Prompt(p.promptID)
		if err != nil {
			l.log.Warn("link flush lost its prompt", "prompt", p.promptID, "error", err)
			return
		}
		_, err = l.opts.Store.Append(l.ctx, record.KindPromptLink, &record.PromptLink{
			PromptID: p.promptID,
			Version:  current.Version,
			EventIDs: ids,
		})
		if err == nil {
			l.linkedTotal.Add(uint64(len(ids)))
			return
		}
		if errors.Is(err, store.ErrVersionConflict) {
			l.conflictsTotal.Inc()
			continue
		}
		l.log.Warn("link append failed", "prompt", p.promptID, "error", err)
		return
	}
	l.log.Warn("link abandoned after version races", "prompt", p.promptID, "events", len(ids))
}

func (l *Linker) pendingFor(promptID string) *pending {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending[promptID]
}

// PendingCount reports how many prompt windows are open.
func (l *Linker) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
