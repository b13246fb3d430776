package debounce

import (
	"os"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsed/internal/metrics"
	"pulsed/internal/watcher"
)

func newTestDebouncer(in chan watcher.Raw, delay, dedup time.Duration) (*Debouncer, *metrics.Registry) {
	reg := metrics.NewRegistry()
	d := New(in, Options{
		Delay:       delay,
		DedupWindow: dedup,
		MaxPending:  100,
		Metrics:     reg,
	})
	return d, reg
}

func drain(d *Debouncer, n int, deadline time.Duration) []Released {
	var got []Released
	timeout := time.After(deadline)
	for len(got) < n {
		select {
		case r, ok := <-d.Out():
			if !ok {
				return got
			}
			got = append(got, r)
		case <-timeout:
			return got
		}
	}
	return got
}

func TestCoalesceWithinWindow(t *testing.T) {
	in := make(chan watcher.Raw, 8)
	d, reg := newTestDebouncer(in, 200*time.Millisecond, time.Second)
	d.statFunc = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	d.Start()
	defer d.Stop()

	// Two raw changes 40 ms apart must produce exactly one release.
	in <- watcher.Raw{Op: watcher.OpChange, Path: "/w/a.js", ObservedAt: time.Now()}
	time.Sleep(40 * time.Millisecond)
	in <- watcher.Raw{Op: watcher.OpChange, Path: "/w/a.js", ObservedAt: time.Now()}

	got := drain(d, 2, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, watcher.OpChange, got[0].Op)
	assert.Equal(t, "/w/a.js", got[0].Path)
	assert.EqualValues(t, 1, reg.Snapshot()["dedup_coalesced_total"])
}

func TestPostReleaseDedup(t *testing.T) {
	in := make(chan watcher.Raw, 8)
	d, reg := newTestDebouncer(in, 50*time.Millisecond, 500*time.Millisecond)
	d.Start()
	defer d.Stop()

	in <- watcher.Raw{Op: watcher.OpChange, Path: "/w/b.js", ObservedAt: time.Now()}
	first := drain(d, 1, time.Second)
	require.Len(t, first, 1)

	// Identical raw within the dedup window is silently dropped.
	in <- watcher.Raw{Op: watcher.OpChange, Path: "/w/b.js", ObservedAt: time.Now()}
	second := drain(d, 1, 300*time.Millisecond)
	assert.Empty(t, second)
	assert.EqualValues(t, 1, reg.Snapshot()["dedup_suppressed_total"])
}

func TestUnlinkThenAddCollapsesToChange(t *testing.T) {
	in := make(chan watcher.Raw, 8)
	d, _ := newTestDebouncer(in, 100*time.Millisecond, time.Second)
	d.Start()
	defer d.Stop()

	in <- watcher.Raw{Op: watcher.OpUnlink, Path: "/w/c.js", ObservedAt: time.Now()}
	in <- watcher.Raw{Op: watcher.OpAdd, Path: "/w/c.js", ObservedAt: time.Now()}

	got := drain(d, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, watcher.OpChange, got[0].Op)
}

func TestAddThenUnlinkResolvesByFinalState(t *testing.T) {
	cases := []struct {
		name   string
		exists bool
		want   watcher.Op
	}{
		{"file gone at release", false, watcher.OpUnlink},
		{"file recreated at release", true, watcher.OpAdd},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := make(chan watcher.Raw, 8)
			d, _ := newTestDebouncer(in, 100*time.Millisecond, time.Second)
			d.statFunc = func(string) (os.FileInfo, error) {
				if tc.exists {
					return nil, nil
				}
				return nil, os.ErrNotExist
			}
			d.Start()
			defer d.Stop()

			in <- watcher.Raw{Op: watcher.OpAdd, Path: "/w/d.js", ObservedAt: time.Now()}
			in <- watcher.Raw{Op: watcher.OpUnlink, Path: "/w/d.js", ObservedAt: time.Now()}

			got := drain(d, 1, time.Second)
			require.Len(t, got, 1)
			assert.Equal(t, tc.want, got[0].Op)
		})
	}
}

func TestOverflowForcesReleaseNotLoss(t *testing.T) {
	in := make(chan watcher.Raw, 16)
	reg := metrics.NewRegistry()
	d := New(in, Options{
		Delay:      time.Hour, // never expires naturally
		MaxPending: 2,
		Metrics:    reg,
	})
	d.Start()

	for _, p := range []string{"/w/1", "/w/2", "/w/3", "/w/4"} {
		in <- watcher.Raw{Op: watcher.OpChange, Path: p, ObservedAt: time.Now()}
	}

	// Two entries must have been force-released by overflow.
	got := drain(d, 2, time.Second)
	assert.Len(t, got, 2)
	assert.EqualValues(t, 2, reg.Snapshot()["debounce_evicted_total"])

	// Stop flushes the rest; nothing acknowledged is ever lost.
	go d.Stop()
	rest := drain(d, 2, time.Second)
	assert.Len(t, rest, 2)
}

func TestUniqueIDs(t *testing.T) {
	in := make(chan watcher.Raw, 32)
	d, _ := newTestDebouncer(in, 20*time.Millisecond, 0)
	d.Start()
	defer d.Stop()

	for i := 0; i < 10; i++ {
		in <- watcher.Raw{Op: watcher.OpChange, Path: "/w/f" + string(rune('a'+i)), ObservedAt: time.Now()}
	}

	got := drain(d, 10, 2*time.Second)
	require.Len(t, got, 10)
	seen := map[string]bool{}
	for _, r := range got {
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
}

// Per-path releases must come out in wall-clock order regardless of the
// interleaving of raw records across paths.
func TestPropertyPerPathOrderPreserved(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30

	properties := gopter.NewProperties(params)

	properties.Property("per-path release order is monotone", prop.ForAll(
		func(paths []uint8) bool {
			in := make(chan watcher.Raw, len(paths)+1)
			d, _ := newTestDebouncer(in, 10*time.Millisecond, 0)
			d.Start()

			for _, p := range paths {
				path := "/w/" + string(rune('a'+p%4))
				in <- watcher.Raw{Op: watcher.OpChange, Path: path, ObservedAt: time.Now()}
			}
			go d.Stop()

			var rel []Released
			for r := range d.Out() {
				rel = append(rel, r)
			}

			last := map[string]time.Time{}
			for _, r := range rel {
				if prev, ok := last[r.Path]; ok && r.ReleasedAt.Before(prev) {
					return false
				}
				last[r.Path] = r.ReleasedAt
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
