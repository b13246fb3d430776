package store

import (
	"errors"
	"sync"

	"pulsed/internal/record"
)

// ErrResumeRequired signals a tail reader that fell behind by more than
// the backlog: its channel is closed and it must re-snapshot via a
// range query before tailing again.
var ErrResumeRequired = errors.New("store: tail fell behind, resume from snapshot required")

// feed is the in-process change feed. Publishes never block on slow
// readers: a subscriber whose buffer fills is disconnected with
// ErrResumeRequired instead of stalling the append path.
type feed struct {
	mu      sync.Mutex
	backlog int
	last    uint64
	subs    map[*subscription]struct{}
}

// subscription is one tail reader's buffered view of the feed.
type subscription struct {
	ch chan record.Envelope

	mu     sync.Mutex
	err    error
	closed bool
}

func newFeed(backlog int) *feed {
	if backlog <= 0 {
		backlog = 1000
	}
	return &feed{
		backlog: backlog,
		subs:    make(map[*subscription]struct{}),
	}
}

// init seeds the last-published cursor from recovered history, so
// subscribers created on a warm-started store replay the log up to it.
// Called once at open, before any subscriber exists.
func (f *feed) init(last uint64) {
	f.mu.Lock()
	f.last = last
	f.mu.Unlock()
}

// publish fans env out to all subscribers. Called in cursor order under
// the store's append lock.
func (f *feed) publish(env record.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.last = env.Cursor
	for sub := range f.subs {
		select {
		case sub.ch <- env:
		default:
			delete(f.subs, sub)
			sub.fail(ErrResumeRequired)
		}
	}
}

// subscribe registers a new reader and returns it together with the
// cursor of the last record published before the subscription existed.
// Records with cursor greater than that arrive on the channel; anything
// older must come from the log or index.
func (f *feed) subscribe() (*subscription, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &subscription{ch: make(chan record.Envelope, f.backlog)}
	f.subs[sub] = struct{}{}
	return sub, f.last
}

// unsubscribe detaches a reader without an error.
func (f *feed) unsubscribe(sub *subscription) {
	f.mu.Lock()
	_, present := f.subs[sub]
	delete(f.subs, sub)
	f.mu.Unlock()

	if present {
		sub.fail(nil)
	}
}

// shutdown disconnects every reader cleanly.
func (f *feed) shutdown() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*subscription]struct{})
	f.mu.Unlock()

	for sub := range subs {
		sub.fail(nil)
	}
}

// fail closes the subscription channel, recording the terminal error.
func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Err reports why the channel closed. Nil means a clean detach.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
