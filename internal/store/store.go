package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/record"
)

const (
	logFileName   = "pulse.log"
	indexFileName = "index.db"

	defaultQueryLimit = 100
)

// Options configures a Store.
type Options struct {
	// Dir holds the log file and index database.
	Dir string
	// TailBacklog is the per-subscriber buffer; readers that fall
	// further behind are disconnected with ErrResumeRequired.
	TailBacklog int
	// MaxQueryLimit caps the limit of range queries.
	MaxQueryLimit int
	Logger        *logging.Logger
	Metrics       *metrics.Registry
}

// Store is the single writer of record history: an append-only log as
// the source of truth, a rebuildable SQLite index for queries, and a
// change feed for live tailing.
//
// Append assigns both the cursor and the logical timestamp under one
// lock, so cursor order and timestamp order never disagree.
type Store struct {
	opts Options
	log  *logging.Logger

	logf *logFile
	ix   *index
	feed *feed

	mu         chan struct{} // 1-slot semaphore, context-aware
	nextCursor uint64
	lastTs     int64
	closed     bool

	appendTotal    *metrics.Counter
	appendErrTotal *metrics.Counter
	indexErrTotal  *metrics.Counter
	linkConflicts  *metrics.Counter
	recordsIndexed *metrics.Counter

	now func() time.Time
}

// Query filters a range read over stored records. Internal link records
// are never returned.
type Query struct {
	Workspace   string
	Kinds       []record.Kind
	SinceNs     int64
	UntilNs     int64
	AfterCursor uint64
	// UntilCursor bounds the upper end so a snapshot can be cut at an
	// exact point in the stream. Zero means unbounded.
	UntilCursor uint64
	Limit       int
}

// Open opens the log and index under opts.Dir, recovering a truncated
// log tail and bringing the index up to date before returning. The
// returned store is warm: every surviving record is queryable.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.MaxQueryLimit <= 0 {
		opts.MaxQueryLimit = 1000
	}

	logf, err := openLog(filepath.Join(opts.Dir, logFileName))
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	ix, err := openIndex(filepath.Join(opts.Dir, indexFileName))
	if err != nil {
		logf.close()
		return nil, fmt.Errorf("open index: %w", err)
	}

	s := &Store{
		opts: opts,
		log:  opts.Logger.WithComponent("store"),
		logf: logf,
		ix:   ix,
		feed: newFeed(opts.TailBacklog),
		mu:   make(chan struct{}, 1),

		appendTotal:    opts.Metrics.Counter("store_append_total", "records appended"),
		appendErrTotal: opts.Metrics.Counter("store_append_errors_total", "appends that failed durably"),
		indexErrTotal:  opts.Metrics.Counter("store_index_errors_total", "index projections that failed"),
		linkConflicts:  opts.Metrics.Counter("store_link_conflicts_total", "prompt links rejected by version check"),
		recordsIndexed: opts.Metrics.Counter("store_records_indexed_total", "records projected into the index"),

		now: time.Now,
	}

	if err := s.recover(); err != nil {
		s.ix.close()
		s.logf.close()
		return nil, err
	}

	s.log.Info("store opened",
		"records", logf.count,
		"last_cursor", logf.lastCursor,
		"size_bytes", logf.size)
	return s, nil
}

// recover reconciles the index with the log: a stale or foreign index
// is rebuilt from cursor zero, a lagging one replays only the tail.
func (s *Store) recover() error {
	ixCursor, err := s.ix.lastCursor()
	if err != nil {
		return fmt.Errorf("read index cursor: %w", err)
	}

	if ixCursor > s.logf.lastCursor {
		s.log.Warn("index ahead of log, rebuilding",
			"index_cursor", ixCursor, "log_cursor", s.logf.lastCursor)
		if err := s.ix.reset(); err != nil {
			return err
		}
		ixCursor = 0
	}

	if ixCursor < s.logf.lastCursor {
		var replayed uint64
		var applyErr error
		err := s.logf.scan(ixCursor, func(cursor uint64, kind record.Kind, payload []byte) bool {
			if applyErr = s.ix.apply(cursor, kind, payload); applyErr != nil {
				return false
			}
			replayed++
			return true
		})
		if err != nil {
			return fmt.Errorf("replay log into index: %w", err)
		}
		if applyErr != nil {
			return fmt.Errorf("replay log into index: %w", applyErr)
		}
		s.recordsIndexed.Add(replayed)
		s.log.Info("index rebuilt", "from_cursor", ixCursor, "replayed", replayed)
	}

	s.nextCursor = s.logf.lastCursor + 1
	if s.logf.count > 0 {
		s.lastTs = record.Envelope{Payload: s.logf.lastPayload}.Time().UnixNano()
	}
	// Tails opened before the first post-restart append must still
	// replay the recovered history.
	s.feed.init(s.logf.lastCursor)
	return nil
}

func (s *Store) lock(ctx context.Context) error {
	select {
	case s.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlock() { <-s.mu }

// Append durably writes one record and returns its cursor. The record's
// Timestamp field is overwritten with a logical timestamp that never
// decreases across appends. Prompt links are version-checked against the
// materialized prompt before anything hits the log; a stale link returns
// ErrVersionConflict and appends nothing.
func (s *Store) Append(ctx context.Context, kind record.Kind, rec any) (uint64, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.unlock()

	if s.closed {
		return 0, ErrLogClosed
	}

	ts := s.now().UnixNano()
	if ts < s.lastTs {
		ts = s.lastTs
	}

	switch r := rec.(type) {
	case *record.Event:
		r.Timestamp = ts
	case *record.Prompt:
		r.Timestamp = ts
	case *record.TerminalCommand:
		r.Timestamp = ts
	case *record.PromptLink:
		r.Timestamp = ts
		version, err := s.ix.promptVersion(r.PromptID)
		if err != nil {
			return 0, err
		}
		if version != r.Version {
			s.linkConflicts.Inc()
			return 0, fmt.Errorf("%w: prompt %s at version %d, link computed against %d",
				ErrVersionConflict, r.PromptID, version, r.Version)
		}
	default:
		return 0, fmt.Errorf("store: unsupported record type %T", rec)
	}

	payload, err := record.Encode(kind, rec)
	if err != nil {
		return 0, fmt.Errorf("store: encode: %w", err)
	}

	cursor := s.nextCursor
	if err := s.appendDurable(ctx, cursor, kind, payload); err != nil {
		s.appendErrTotal.Inc()
		return 0, err
	}
	s.nextCursor++
	s.lastTs = ts
	s.appendTotal.Inc()

	// Index failures are tolerated: the projection is rebuilt from the
	// log on next open, and its meta cursor stays behind until then.
	if err := s.ix.apply(cursor, kind, payload); err != nil {
		s.indexErrTotal.Inc()
		s.log.Error("index projection failed", "cursor", cursor, "error", err)
	} else {
		s.recordsIndexed.Inc()
	}

	s.feed.publish(record.Envelope{Cursor: cursor, Kind: kind, Payload: payload})
	return cursor, nil
}

// appendDurable retries transient write failures with bounded backoff
// before giving up, so callers see back-pressure rather than data loss.
func (s *Store) appendDurable(ctx context.Context, cursor uint64, kind record.Kind, payload []byte) error {
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 4
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = s.logf.append(cursor, kind, payload); err == nil {
			return nil
		}
		s.log.Warn("log append failed, retrying", "cursor", cursor, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("store: append cursor %d: %w", cursor, err)
}

// Records runs a range query against the index.
func (s *Store) Records(q Query) ([]record.Envelope, error) {
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	if q.Limit > s.opts.MaxQueryLimit {
		q.Limit = s.opts.MaxQueryLimit
	}
	return s.ix.queryRecords(q)
}

// Prompt returns the materialized state of one prompt, link records
// folded in.
func (s *Store) Prompt(id string) (*record.Prompt, error) {
	return s.ix.prompt(id)
}

// Prompts lists materialized prompts, newest first.
func (s *Store) Prompts(workspace string, since time.Time, limit int) ([]*record.Prompt, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > s.opts.MaxQueryLimit {
		limit = s.opts.MaxQueryLimit
	}
	var sinceNs int64
	if !since.IsZero() {
		sinceNs = since.UnixNano()
	}
	return s.ix.prompts(workspace, sinceNs, limit)
}

// EventsInWindow returns file events inside [start, end], oldest
// first, filtered to workspace unless it is empty. Used by the prompt
// linker.
func (s *Store) EventsInWindow(workspace string, start, end time.Time) ([]*record.Event, error) {
	return s.ix.eventsInWindow(workspace, start.UnixNano(), end.UnixNano())
}

// Workspaces aggregates per-workspace activity.
func (s *Store) Workspaces() ([]record.Workspace, error) {
	return s.ix.workspaces()
}

// LastCursor returns the cursor of the most recent record, zero when
// the store is empty.
func (s *Store) LastCursor() uint64 {
	s.mu <- struct{}{}
	defer s.unlock()
	return s.nextCursor - 1
}

// Tail streams every record with cursor greater than after: history is
// replayed from the log, then the live feed takes over, exactly once
// and in cursor order. The returned channel closes when ctx is done,
// the store shuts down, or the reader falls behind the backlog; Err
// distinguishes the last case.
func (s *Store) Tail(ctx context.Context, after uint64) *TailReader {
	sub, start := s.feed.subscribe()
	t := &TailReader{
		c:   make(chan record.Envelope, 64),
		sub: sub,
	}

	go func() {
		defer close(t.c)

		if after < start {
			done := false
			err := s.logf.scan(after, func(cursor uint64, kind record.Kind, payload []byte) bool {
				if cursor > start {
					return false
				}
				select {
				case t.c <- record.Envelope{Cursor: cursor, Kind: kind, Payload: payload}:
					return true
				case <-ctx.Done():
					done = true
					return false
				}
			})
			if err != nil || done {
				s.feed.unsubscribe(sub)
				return
			}
		}

		for {
			select {
			case env, ok := <-sub.ch:
				if !ok {
					t.setErr(sub.Err())
					return
				}
				select {
				case t.c <- env:
				case <-ctx.Done():
					s.feed.unsubscribe(sub)
					return
				}
			case <-ctx.Done():
				s.feed.unsubscribe(sub)
				return
			}
		}
	}()

	return t
}

// Close shuts the store down: tail readers are detached, then the index
// and log are closed. Appends in flight complete first.
func (s *Store) Close() error {
	s.mu <- struct{}{}
	defer s.unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.feed.shutdown()
	ixErr := s.ix.close()
	logErr := s.logf.close()
	if logErr != nil {
		return logErr
	}
	return ixErr
}

// TailReader is a live subscription to the record stream.
type TailReader struct {
	c   chan record.Envelope
	sub *subscription

	errMu sync.Mutex
	err   error
}

// C is the ordered record channel. It closes on cancellation, shutdown,
// or backlog overflow.
func (t *TailReader) C() <-chan record.Envelope { return t.c }

// Err reports ErrResumeRequired if the reader was disconnected for
// falling behind; nil otherwise. Valid after C closes.
func (t *TailReader) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *TailReader) setErr(err error) {
	t.errMu.Lock()
	t.err = err
	t.errMu.Unlock()
}
