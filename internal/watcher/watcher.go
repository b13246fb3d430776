// Package watcher provides recursive OS-level file watching over a set of
// configured roots. It emits raw add/change/unlink records downstream;
// debouncing and deduplication are the next stage's job.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pulsed/internal/classify"
	"pulsed/internal/logging"
	"pulsed/internal/metrics"
)

// Op is the raw operation observed on a path.
type Op uint8

const (
	// OpAdd is a newly created file.
	OpAdd Op = iota + 1
	// OpChange is a write to an existing file.
	OpChange
	// OpUnlink is a file removal or rename-away.
	OpUnlink
)

// String returns the wire name of the op.
func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpChange:
		return "change"
	case OpUnlink:
		return "unlink"
	default:
		return "unknown"
	}
}

// Raw is an unprocessed watch record. Duplicates are permitted; the
// debounce layer suppresses them.
type Raw struct {
	Op         Op
	Path       string
	ObservedAt time.Time
}

// Options configures a Watcher.
type Options struct {
	Roots       []string
	Classifier  *classify.Classifier
	Settle      time.Duration // how long a file must be quiet before emit
	MaxFileSize int64         // size gate; larger files are dropped
	Logger      *logging.Logger
	Metrics     *metrics.Registry
}

// maxBackoff caps the per-root retry backoff.
const maxBackoff = time.Minute

// Health is a point-in-time snapshot of watcher state.
type Health struct {
	Roots         []string `json:"roots"`
	WatchedDirs   int      `json:"watched_dirs"`
	PendingFiles  int      `json:"pending_files"`
	Errors        uint64   `json:"errors"`
	OversizeDrops uint64   `json:"oversize_drops"`
	UptimeS       int64    `json:"uptime_s"`
}

// pendingWrite tracks a file waiting out the write-settle interval.
type pendingWrite struct {
	op      Op
	lastMod time.Time
}

// Watcher owns all OS watch handles. Per-root failures are isolated and
// retried with exponential backoff; the watcher as a whole never crashes
// because one root is sick.
type Watcher struct {
	opts Options
	log  *logging.Logger

	out chan Raw

	mu       sync.Mutex
	pending  map[string]pendingWrite
	dirCount int

	errorsTotal   *metrics.Counter
	oversizeTotal *metrics.Counter

	started time.Time
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Watcher. Start must be called to begin watching.
func New(opts Options) *Watcher {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Settle <= 0 {
		opts.Settle = time.Second
	}
	return &Watcher{
		opts:          opts,
		log:           opts.Logger.WithComponent("watcher"),
		out:           make(chan Raw, 256),
		pending:       make(map[string]pendingWrite),
		errorsTotal:   opts.Metrics.Counter("watcher_errors_total", "watch errors across all roots"),
		oversizeTotal: opts.Metrics.Counter("watcher_oversize_dropped_total", "records dropped by the size gate"),
		done:          make(chan struct{}),
	}
}

// Out returns the raw record channel.
func (w *Watcher) Out() <-chan Raw { return w.out }

// Start begins recursive watching of all roots. Watch registration for
// reachable roots happens before Start returns, so a file changed right
// after is already observed; roots that cannot be watched yet are
// retried in the background rather than failing startup.
func (w *Watcher) Start() error {
	w.started = time.Now()

	for _, root := range w.opts.Roots {
		session, err := w.openRoot(root)
		if err != nil {
			w.errorsTotal.Inc()
			w.log.Warn("root not watchable yet, retrying in background", "root", root, "err", err)
			session = nil
		}
		w.wg.Add(1)
		go w.runRoot(root, session)
	}

	w.wg.Add(1)
	go w.settleLoop()

	return nil
}

// Stop releases all watch handles and closes the output channel.
func (w *Watcher) Stop() {
	close(w.done)
	w.wg.Wait()
	close(w.out)
}

// Health returns the current watcher health snapshot.
func (w *Watcher) Health() Health {
	w.mu.Lock()
	pending := len(w.pending)
	dirs := w.dirCount
	w.mu.Unlock()

	return Health{
		Roots:         w.opts.Roots,
		WatchedDirs:   dirs,
		PendingFiles:  pending,
		Errors:        w.errorsTotal.Value(),
		OversizeDrops: w.oversizeTotal.Value(),
		UptimeS:       int64(time.Since(w.started).Seconds()),
	}
}

// rootSession is one live fsnotify registration over a root.
type rootSession struct {
	fsw   *fsnotify.Watcher
	added int
}

// runRoot watches one root, retrying with exponential backoff on
// failure. A session already opened by Start is consumed first.
func (w *Watcher) runRoot(root string, session *rootSession) {
	defer w.wg.Done()

	backoff := time.Second
	for {
		var err error
		if session == nil {
			session, err = w.openRoot(root)
		}
		if err == nil {
			err = w.watchRoot(root, session)
			session = nil
			if err == nil {
				return // clean shutdown
			}
		}

		w.errorsTotal.Inc()
		w.log.Warn("root watch failed, retrying", "root", root, "err", err, "backoff", backoff)

		select {
		case <-w.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// openRoot registers recursive watches over a root.
func (w *Watcher) openRoot(root string) (*rootSession, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	added, err := w.addRecursive(fsw, root)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	w.mu.Lock()
	w.dirCount += added
	w.mu.Unlock()

	w.log.Info("watching root", "root", root, "dirs", added)
	return &rootSession{fsw: fsw, added: added}, nil
}

// watchRoot runs one fsnotify session until shutdown or error.
func (w *Watcher) watchRoot(root string, session *rootSession) error {
	fsw := session.fsw
	defer fsw.Close()
	defer func() {
		w.mu.Lock()
		w.dirCount -= session.added
		w.mu.Unlock()
	}()

	for {
		select {
		case <-w.done:
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			w.handleEvent(fsw, ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			w.errorsTotal.Inc()
			w.log.Warn("watch error", "root", root, "err", err)
		}
	}
}

// addRecursive walks dir and adds every non-excluded directory to the
// fsnotify watcher. Returns the number of directories added.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: skip, keep the rest of the walk alive.
			w.errorsTotal.Inc()
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.opts.Classifier != nil && w.opts.Classifier.Excluded(path) {
			return fs.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.errorsTotal.Inc()
			w.log.Debug("cannot watch directory", "dir", path, "err", err)
			return nil
		}
		count++
		return nil
	})
	return count, err
}

// handleEvent translates one fsnotify event into pipeline state.
func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if w.opts.Classifier == nil || !w.opts.Classifier.Excluded(ev.Name) {
				if added, err := w.addRecursive(fsw, ev.Name); err == nil {
					w.mu.Lock()
					w.dirCount += added
					w.mu.Unlock()
				}
			}
			return
		}
		w.track(ev.Name, OpAdd)

	case ev.Op.Has(fsnotify.Write):
		w.track(ev.Name, OpChange)

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// Unlinks have nothing to settle; emit immediately.
		w.mu.Lock()
		delete(w.pending, ev.Name)
		w.mu.Unlock()
		w.emit(Raw{Op: OpUnlink, Path: ev.Name, ObservedAt: time.Now()})
	}
}

// track records a write, restarting the settle clock. An add followed by
// writes stays an add until released.
func (w *Watcher) track(path string, op Op) {
	if w.opts.Classifier != nil && w.opts.Classifier.Excluded(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.pending[path]; ok && prev.op == OpAdd {
		op = OpAdd
	}
	w.pending[path] = pendingWrite{op: op, lastMod: time.Now()}
}

// settleLoop releases files that have been stable for the settle
// interval. This avoids reading files mid-write.
func (w *Watcher) settleLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.releaseSettled(now)
		}
	}
}

// releaseSettled emits pending records whose files have been quiet for
// the settle interval and pass the size gate.
func (w *Watcher) releaseSettled(now time.Time) {
	threshold := now.Add(-w.opts.Settle)

	w.mu.Lock()
	var ready []struct {
		path string
		op   Op
	}
	for path, p := range w.pending {
		if p.lastMod.Before(threshold) {
			ready = append(ready, struct {
				path string
				op   Op
			}{path, p.op})
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, r := range ready {
		info, err := os.Stat(r.path)
		if err != nil {
			// Deleted while settling; the Remove event covers it.
			continue
		}
		if w.opts.MaxFileSize > 0 && info.Size() > w.opts.MaxFileSize {
			w.oversizeTotal.Inc()
			w.log.Debug("oversize file dropped", "path", r.path, "size", info.Size())
			continue
		}
		w.emit(Raw{Op: r.op, Path: r.path, ObservedAt: now})
	}
}

// emit sends a raw record downstream without blocking shutdown.
func (w *Watcher) emit(r Raw) {
	select {
	case w.out <- r:
	case <-w.done:
	}
}
