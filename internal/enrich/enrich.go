// Package enrich completes released records into full Events: content
// reads with size gates, diff stats against a bounded content cache, and
// workspace/language metadata from the classifier.
//
// A small pool performs file I/O; a single finalize goroutine owns the
// content cache and preserves the release order of its input, so
// downstream consumers see events in exactly the order the debounce
// layer released them.
package enrich

import (
	"os"
	"sync"
	"unicode/utf8"

	"pulsed/internal/classify"
	"pulsed/internal/debounce"
	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/record"
	"pulsed/internal/watcher"
)

// Options configures an Enricher.
type Options struct {
	Classifier   *classify.Classifier
	Workers      int
	MaxFileSize  int64
	CacheEntries int
	PreviewBytes int
	Logger       *logging.Logger
	Metrics      *metrics.Registry
}

// job carries a release through the read pool, tagged with its input
// sequence so the finalizer can restore order.
type job struct {
	seq int64
	rel debounce.Released
}

// readResult is what the pool hands the finalizer.
type readResult struct {
	seq     int64
	rel     debounce.Released
	cls     classify.Result
	content string
	size    *int64
	hasRead bool
	drop    bool
}

// Enricher turns released records into Events.
type Enricher struct {
	opts Options
	log  *logging.Logger

	in  <-chan debounce.Released
	out chan *record.Event

	jobs    chan job
	results chan readResult

	readErrTotal  *metrics.Counter
	oversizeTotal *metrics.Counter
	droppedTotal  *metrics.Counter

	wg   sync.WaitGroup
	once sync.Once
}

// New creates an Enricher consuming releases from in.
func New(in <-chan debounce.Released, opts Options) *Enricher {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PreviewBytes <= 0 {
		opts.PreviewBytes = 4096
	}
	return &Enricher{
		opts:          opts,
		log:           opts.Logger.WithComponent("enrich"),
		in:            in,
		out:           make(chan *record.Event, 256),
		jobs:          make(chan job, opts.Workers*2),
		results:       make(chan readResult, opts.Workers*2),
		readErrTotal:  opts.Metrics.Counter("enrich_read_errors_total", "content reads that failed or were gated"),
		oversizeTotal: opts.Metrics.Counter("enrich_oversize_total", "content reads skipped by the size gate"),
		droppedTotal:  opts.Metrics.Counter("enrich_dropped_total", "releases dropped as unwatchable"),
	}
}

// Out returns the completed Event channel. It closes after the input
// channel closes and all in-flight work is flushed.
func (e *Enricher) Out() <-chan *record.Event { return e.out }

// Start launches the read pool and the finalizer.
func (e *Enricher) Start() {
	e.once.Do(func() {
		for i := 0; i < e.opts.Workers; i++ {
			e.wg.Add(1)
			go e.readWorker()
		}

		go e.dispatch()
		go e.finalize()
	})
}

// dispatch assigns sequence numbers and feeds the pool.
func (e *Enricher) dispatch() {
	var seq int64
	for rel := range e.in {
		e.jobs <- job{seq: seq, rel: rel}
		seq++
	}
	close(e.jobs)
	go func() {
		e.wg.Wait()
		close(e.results)
	}()
}

// readWorker performs classification and content reads. File handles are
// opened and closed on this goroutine only.
func (e *Enricher) readWorker() {
	defer e.wg.Done()

	for j := range e.jobs {
		e.results <- e.read(j)
	}
}

// read produces the raw material for one event.
func (e *Enricher) read(j job) readResult {
	res := readResult{seq: j.seq, rel: j.rel}

	if e.opts.Classifier != nil {
		res.cls = e.opts.Classifier.Classify(j.rel.Path)
	} else {
		res.cls = classify.Result{Watchable: true, Workspace: record.WorkspaceUnknown}
	}
	if !res.cls.Watchable {
		res.drop = true
		return res
	}

	if j.rel.Op == watcher.OpUnlink {
		return res
	}

	info, err := os.Stat(j.rel.Path)
	if err != nil {
		// Missing or unreadable: the event still goes out, degraded.
		e.readErrTotal.Inc()
		return res
	}
	size := info.Size()
	res.size = &size

	if !res.cls.IsText {
		return res
	}
	if e.opts.MaxFileSize > 0 && size > e.opts.MaxFileSize {
		e.oversizeTotal.Inc()
		res.size = nil
		return res
	}

	data, err := os.ReadFile(j.rel.Path)
	if err != nil {
		e.readErrTotal.Inc()
		res.size = nil
		return res
	}
	res.content = string(data)
	res.hasRead = true
	return res
}

// finalize restores input order, computes diff stats against the content
// cache, and emits completed Events. It is the cache's only writer.
func (e *Enricher) finalize() {
	cache := newContentCache(e.opts.CacheEntries)
	reorder := make(map[int64]readResult)
	var next int64

	for res := range e.results {
		reorder[res.seq] = res
		for {
			r, ok := reorder[next]
			if !ok {
				break
			}
			delete(reorder, next)
			next++

			if r.drop {
				e.droppedTotal.Inc()
				continue
			}
			e.out <- e.buildEvent(cache, r)
		}
	}

	// Input closed: flush whatever is left in order.
	for len(reorder) > 0 {
		r, ok := reorder[next]
		if !ok {
			next++
			continue
		}
		delete(reorder, next)
		next++
		if r.drop {
			e.droppedTotal.Inc()
			continue
		}
		e.out <- e.buildEvent(cache, r)
	}
	close(e.out)
}

// buildEvent assembles the Event for one read result, updating the
// content cache as a side effect.
func (e *Enricher) buildEvent(cache *contentCache, r readResult) *record.Event {
	var kind record.Kind
	switch r.rel.Op {
	case watcher.OpAdd:
		kind = record.KindFileAdd
	case watcher.OpUnlink:
		kind = record.KindFileDelete
	default:
		kind = record.KindFileChange
	}

	ev := &record.Event{
		ID:         r.rel.ID,
		Kind:       kind,
		Path:       r.rel.Path,
		Workspace:  r.cls.Workspace,
		CapturedAt: r.rel.ReleasedAt.UnixNano(),
		Details: record.Details{
			Language:  r.cls.Language,
			SizeBytes: r.size,
		},
	}

	if kind == record.KindFileDelete {
		if old, ok := cache.get(r.rel.Path); ok {
			deleted := int64(utf8.RuneCountInString(old))
			zero := int64(0)
			ev.Details.CharsDeleted = &deleted
			ev.Details.CharsAdded = &zero
		}
		cache.drop(r.rel.Path)
		return ev
	}

	if !r.hasRead {
		// No content: on an add we can still report size as chars added.
		if kind == record.KindFileAdd && r.size != nil {
			added := *r.size
			zero := int64(0)
			ev.Details.CharsAdded = &added
			ev.Details.CharsDeleted = &zero
		}
		return ev
	}

	if old, ok := cache.get(r.rel.Path); ok {
		added, deleted := diffStats(old, r.content)
		ev.Details.CharsAdded = &added
		ev.Details.CharsDeleted = &deleted
	} else if kind == record.KindFileAdd {
		added := int64(utf8.RuneCountInString(r.content))
		zero := int64(0)
		ev.Details.CharsAdded = &added
		ev.Details.CharsDeleted = &zero
	}
	cache.put(r.rel.Path, r.content)

	preview := r.content
	if len(preview) > e.opts.PreviewBytes {
		cut := e.opts.PreviewBytes
		// Never split a multi-byte rune at the cut.
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	ev.Details.ContentPreview = preview

	return ev
}
