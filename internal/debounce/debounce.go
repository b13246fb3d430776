// Package debounce turns the watcher's noisy raw stream into a clean
// stream of released records with stable IDs.
//
// Per path, a pending record is held for the debounce window; new raw
// records within the window replace it and reset the timer. A bounded
// LRU of recently released (op, path) keys suppresses short-window
// duplicates after release.
package debounce

import (
	"container/list"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/watcher"
)

// Released is a debounced record with a stable, globally unique ID.
// IDs are opaque strings and never reused.
type Released struct {
	ID         string
	Op         watcher.Op
	Path       string
	ObservedAt time.Time // latest raw observation folded into this release
	ReleasedAt time.Time
}

// Options configures a Debouncer.
type Options struct {
	// Delay is the per-path debounce window.
	Delay time.Duration

	// DedupWindow is the horizon within which an identical released
	// (op, path) suppresses a new raw record.
	DedupWindow time.Duration

	// MaxPending caps the debounce buffer. Overflowing entries are
	// force-released oldest first, never dropped.
	MaxPending int

	// MaxDedupKeys caps the dedup LRU.
	MaxDedupKeys int

	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// collapsed tracks the folded state of a pending path. The edge cases:
// unlink+add collapses to change, add+unlink resolves at release time by
// checking whether the file exists.
type collapsed uint8

const (
	stAdd collapsed = iota + 1
	stChange
	stUnlink
	stAddUnlink
)

type pendingEntry struct {
	state    collapsed
	enqueued time.Time
	lastRaw  time.Time
	observed time.Time
}

type dedupKey struct {
	op   watcher.Op
	path string
}

type dedupEntry struct {
	key      dedupKey
	released time.Time
}

// Debouncer owns the debounce buffer and the dedup LRU. It is the only
// writer of both.
type Debouncer struct {
	opts Options
	log  *logging.Logger

	in  <-chan watcher.Raw
	out chan Released

	mu      sync.Mutex
	pending map[string]*pendingEntry

	dedup    map[dedupKey]*list.Element
	dedupLRU *list.List // front = most recent

	seq  uint64
	salt string

	coalescedTotal  *metrics.Counter
	suppressedTotal *metrics.Counter
	evictedTotal    *metrics.Counter

	done chan struct{}
	wg   sync.WaitGroup

	statFunc func(string) (os.FileInfo, error)
	now      func() time.Time
}

// New creates a Debouncer consuming raw records from in.
func New(in <-chan watcher.Raw, opts Options) *Debouncer {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 10000
	}
	if opts.MaxDedupKeys <= 0 {
		opts.MaxDedupKeys = 4096
	}
	return &Debouncer{
		opts:            opts,
		log:             opts.Logger.WithComponent("debounce"),
		in:              in,
		out:             make(chan Released, 256),
		pending:         make(map[string]*pendingEntry),
		dedup:           make(map[dedupKey]*list.Element),
		dedupLRU:        list.New(),
		salt:            uuid.NewString()[:8],
		coalescedTotal:  opts.Metrics.Counter("dedup_coalesced_total", "raw records coalesced into a pending release"),
		suppressedTotal: opts.Metrics.Counter("dedup_suppressed_total", "raw records suppressed by the post-release window"),
		evictedTotal:    opts.Metrics.Counter("debounce_evicted_total", "pending entries force-released on overflow"),
		done:            make(chan struct{}),
		statFunc:        os.Stat,
		now:             time.Now,
	}
}

// Out returns the released record channel.
func (d *Debouncer) Out() <-chan Released { return d.out }

// Start begins processing. Stop drains all pending timers by forcing
// immediate release, then closes the output channel.
func (d *Debouncer) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop forces release of everything pending and shuts down.
func (d *Debouncer) Stop() {
	close(d.done)
	d.wg.Wait()
	d.flush()
	close(d.out)
}

// PendingCount reports the current debounce buffer size.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debouncer) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return

		case raw, ok := <-d.in:
			if !ok {
				return
			}
			d.ingest(raw)

		case now := <-ticker.C:
			d.releaseExpired(now)
		}
	}
}

// ingest folds one raw record into the pending buffer.
func (d *Debouncer) ingest(raw watcher.Raw) {
	now := d.now()

	d.mu.Lock()

	if p, ok := d.pending[raw.Path]; ok {
		p.state = fold(p.state, raw.Op)
		p.lastRaw = now
		p.observed = raw.ObservedAt
		d.mu.Unlock()
		d.coalescedTotal.Inc()
		return
	}

	// Post-release duplicate suppression.
	key := dedupKey{op: raw.Op, path: raw.Path}
	if el, ok := d.dedup[key]; ok {
		if now.Sub(el.Value.(*dedupEntry).released) < d.opts.DedupWindow {
			d.mu.Unlock()
			d.suppressedTotal.Inc()
			return
		}
	}

	d.pending[raw.Path] = &pendingEntry{
		state:    initial(raw.Op),
		enqueued: now,
		lastRaw:  now,
		observed: raw.ObservedAt,
	}

	var evicted []release
	if len(d.pending) > d.opts.MaxPending {
		evicted = d.evictOldestLocked()
	}
	d.mu.Unlock()

	for _, r := range evicted {
		d.evictedTotal.Inc()
		d.emit(r)
	}
}

// initial maps a raw op onto collapsed state.
func initial(op watcher.Op) collapsed {
	switch op {
	case watcher.OpAdd:
		return stAdd
	case watcher.OpUnlink:
		return stUnlink
	default:
		return stChange
	}
}

// fold applies a new raw op to an existing collapsed state.
func fold(prev collapsed, op watcher.Op) collapsed {
	switch op {
	case watcher.OpAdd:
		if prev == stUnlink || prev == stAddUnlink {
			// Deleted then recreated within the window: a change.
			return stChange
		}
		return prev
	case watcher.OpUnlink:
		if prev == stAdd {
			return stAddUnlink
		}
		return stUnlink
	default: // change
		if prev == stAdd || prev == stAddUnlink {
			return stAdd
		}
		return stChange
	}
}

type release struct {
	path     string
	state    collapsed
	observed time.Time
}

// releaseExpired releases entries whose debounce window has elapsed, in
// wall-clock order of their last raw record.
func (d *Debouncer) releaseExpired(now time.Time) {
	threshold := now.Add(-d.opts.Delay)

	d.mu.Lock()
	var ready []release
	var readyTimes []time.Time
	for path, p := range d.pending {
		if p.lastRaw.Before(threshold) {
			ready = append(ready, release{path: path, state: p.state, observed: p.observed})
			readyTimes = append(readyTimes, p.lastRaw)
			delete(d.pending, path)
		}
	}
	d.mu.Unlock()

	// Release order follows wall-clock at last raw record.
	sort.SliceStable(ready, func(i, j int) bool { return readyTimes[i].Before(readyTimes[j]) })

	for _, r := range ready {
		d.emit(r)
	}
}

// evictOldestLocked removes the oldest pending entry for force-release.
// Caller holds d.mu.
func (d *Debouncer) evictOldestLocked() []release {
	var oldestPath string
	var oldest time.Time
	for path, p := range d.pending {
		if oldestPath == "" || p.enqueued.Before(oldest) {
			oldestPath = path
			oldest = p.enqueued
		}
	}
	if oldestPath == "" {
		return nil
	}
	p := d.pending[oldestPath]
	delete(d.pending, oldestPath)
	return []release{{path: oldestPath, state: p.state, observed: p.observed}}
}

// flush force-releases everything pending, oldest first.
func (d *Debouncer) flush() {
	d.mu.Lock()
	var all []release
	var times []time.Time
	for path, p := range d.pending {
		all = append(all, release{path: path, state: p.state, observed: p.observed})
		times = append(times, p.lastRaw)
	}
	d.pending = make(map[string]*pendingEntry)
	d.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool { return times[i].Before(times[j]) })
	for _, r := range all {
		d.emit(r)
	}
}

// emit resolves the final op, records the release in the dedup LRU, and
// sends downstream.
func (d *Debouncer) emit(r release) {
	op := d.resolve(r.state, r.path)
	if op == 0 {
		return
	}
	now := d.now()

	d.mu.Lock()
	d.seq++
	id := fmt.Sprintf("%s-%d", d.salt, d.seq)
	d.recordReleaseLocked(dedupKey{op: op, path: r.path}, now)
	d.mu.Unlock()

	d.out <- Released{
		ID:         id,
		Op:         op,
		Path:       r.path,
		ObservedAt: r.observed,
		ReleasedAt: now,
	}
}

// resolve maps collapsed state to the final op. stAddUnlink depends on
// whether the file exists at release time.
func (d *Debouncer) resolve(st collapsed, path string) watcher.Op {
	switch st {
	case stAdd:
		return watcher.OpAdd
	case stChange:
		return watcher.OpChange
	case stUnlink:
		return watcher.OpUnlink
	case stAddUnlink:
		if _, err := d.statFunc(path); err == nil {
			return watcher.OpAdd
		}
		return watcher.OpUnlink
	default:
		return 0
	}
}

// recordReleaseLocked notes a release in the dedup LRU, evicting the
// least recently used key past the cap. Caller holds d.mu.
func (d *Debouncer) recordReleaseLocked(key dedupKey, at time.Time) {
	if el, ok := d.dedup[key]; ok {
		el.Value.(*dedupEntry).released = at
		d.dedupLRU.MoveToFront(el)
		return
	}
	el := d.dedupLRU.PushFront(&dedupEntry{key: key, released: at})
	d.dedup[key] = el

	for d.dedupLRU.Len() > d.opts.MaxDedupKeys {
		last := d.dedupLRU.Back()
		if last == nil {
			break
		}
		d.dedupLRU.Remove(last)
		delete(d.dedup, last.Value.(*dedupEntry).key)
	}
}
