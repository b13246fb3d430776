package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsed/internal/metrics"
	"pulsed/internal/record"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Options{
		Dir:         dir,
		TailBacklog: 64,
		Metrics:     metrics.NewRegistry(),
	})
	require.NoError(t, err)
	return s
}

func testEvent(id, workspace string) *record.Event {
	return &record.Event{
		ID:         id,
		Kind:       record.KindFileChange,
		Path:       workspace + "/main.go",
		Workspace:  workspace,
		CapturedAt: time.Now().UnixNano(),
	}
}

func TestStoreAppendAndQuery(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ctx := context.Background()
	c1, err := s.Append(ctx, record.KindFileChange, testEvent("e1", "/ws/alpha"))
	require.NoError(t, err)
	c2, err := s.Append(ctx, record.KindFileAdd, testEvent("e2", "/ws/beta"))
	require.NoError(t, err)
	assert.Equal(t, c1+1, c2)

	_, err = s.Append(ctx, record.KindTerminal, &record.TerminalCommand{ID: "t1", Command: "make test", Workspace: "/ws/alpha"})
	require.NoError(t, err)

	all, err := s.Records(Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	alpha, err := s.Records(Query{Workspace: "/ws/alpha"})
	require.NoError(t, err)
	assert.Len(t, alpha, 2)

	terminals, err := s.Records(Query{Kinds: []record.Kind{record.KindTerminal}})
	require.NoError(t, err)
	require.Len(t, terminals, 1)
	assert.Equal(t, record.KindTerminal, terminals[0].Kind)
}

func TestStoreTimestampsFollowCursorOrder(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := s.Append(ctx, record.KindFileChange, testEvent(fmt.Sprintf("e%d", i), "/ws"))
		require.NoError(t, err)
	}

	all, err := s.Records(Query{Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 50)

	var prevCursor uint64
	var prevTs int64
	for _, env := range all {
		assert.Greater(t, env.Cursor, prevCursor)
		ts := env.Time().UnixNano()
		assert.GreaterOrEqual(t, ts, prevTs)
		prevCursor = env.Cursor
		prevTs = ts
	}
}

func TestStoreReopenContinuesCursor(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	ctx := context.Background()
	_, err := s.Append(ctx, record.KindFileAdd, testEvent("e1", "/ws"))
	require.NoError(t, err)
	last, err := s.Append(ctx, record.KindFileChange, testEvent("e2", "/ws"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()
	assert.Equal(t, last, s.LastCursor())

	next, err := s.Append(ctx, record.KindFileChange, testEvent("e3", "/ws"))
	require.NoError(t, err)
	assert.Equal(t, last+1, next)

	all, err := s.Records(Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTailAfterReopenReplaysHistory(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, record.KindFileChange, testEvent(fmt.Sprintf("e%d", i), "/ws"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// A tail opened on the warm-started store, before any new append,
	// must still replay the recovered records.
	s = openTestStore(t, dir)
	defer s.Close()

	tailCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tail := s.Tail(tailCtx, 0)

	var cursors []uint64
	for len(cursors) < 3 {
		select {
		case env, ok := <-tail.C():
			require.True(t, ok, "tail closed after %d of 3 records", len(cursors))
			cursors = append(cursors, env.Cursor)
		case <-tailCtx.Done():
			t.Fatalf("tail delivered %d of 3 recovered records", len(cursors))
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, cursors)
}

func TestStoreRecoversTruncatedTail(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, record.KindFileChange, testEvent(fmt.Sprintf("e%d", i), "/ws"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// Simulate a crash mid-write: a partial frame at the tail.
	logPath := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0x00, 0x00, 0x00, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openTestStore(t, dir)
	defer s.Close()

	all, err := s.Records(Query{})
	require.NoError(t, err)
	assert.Len(t, all, 5, "intact records survive a torn tail")
	assert.EqualValues(t, 5, s.LastCursor())

	_, err = s.Append(ctx, record.KindFileChange, testEvent("e5", "/ws"))
	require.NoError(t, err)
}

func TestStoreRebuildsMissingIndex(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, record.KindFileChange, testEvent(fmt.Sprintf("e%d", i), "/ws/gamma"))
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, record.KindPrompt, &record.Prompt{ID: "p1", Text: "explain", Workspace: "/ws/gamma"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, indexFileName)))

	s = openTestStore(t, dir)
	defer s.Close()

	all, err := s.Records(Query{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	p, err := s.Prompt("p1")
	require.NoError(t, err)
	assert.Equal(t, "explain", p.Text)
}

func TestPromptLinkCompareAndSet(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ctx := context.Background()
	_, err := s.Append(ctx, record.KindPrompt, &record.Prompt{ID: "p1", Text: "refactor", Workspace: "/ws"})
	require.NoError(t, err)

	_, err = s.Append(ctx, record.KindPromptLink, &record.PromptLink{
		PromptID: "p1", Version: 0, EventIDs: []string{"e1", "e2"},
	})
	require.NoError(t, err)

	p, err := s.Prompt("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, p.LinkedEventIDs)
	assert.EqualValues(t, 1, p.Version)

	// Stale link computed against the old version.
	_, err = s.Append(ctx, record.KindPromptLink, &record.PromptLink{
		PromptID: "p1", Version: 0, EventIDs: []string{"e3"},
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	// Fresh link: appends and deduplicates.
	_, err = s.Append(ctx, record.KindPromptLink, &record.PromptLink{
		PromptID: "p1", Version: 1, EventIDs: []string{"e2", "e3"},
	})
	require.NoError(t, err)

	p, err = s.Prompt("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, p.LinkedEventIDs)
	assert.EqualValues(t, 2, p.Version)
}

func TestPromptLinkUnknownPrompt(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	_, err := s.Append(context.Background(), record.KindPromptLink, &record.PromptLink{
		PromptID: "nope", Version: 0, EventIDs: []string{"e1"},
	})
	assert.ErrorIs(t, err, ErrPromptNotFound)
}

func TestPromptExtraFieldsSurviveStore(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	var p record.Prompt
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "p1",
		"text": "hello",
		"timestamp": 1,
		"vendor_trace_id": "abc-123"
	}`), &p))

	_, err := s.Append(context.Background(), record.KindPrompt, &p)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()

	got, err := s.Prompt("p1")
	require.NoError(t, err)
	require.Contains(t, got.Extra, "vendor_trace_id")
	assert.JSONEq(t, `"abc-123"`, string(got.Extra["vendor_trace_id"]))
}

func TestTailReplaysThenFollows(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, record.KindFileChange, testEvent(fmt.Sprintf("old%d", i), "/ws"))
		require.NoError(t, err)
	}

	tail := s.Tail(ctx, 0)

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, record.KindFileChange, testEvent(fmt.Sprintf("new%d", i), "/ws"))
		require.NoError(t, err)
	}

	var cursors []uint64
	deadline := time.After(5 * time.Second)
	for len(cursors) < 6 {
		select {
		case env, ok := <-tail.C():
			require.True(t, ok, "tail closed early: %v", tail.Err())
			cursors = append(cursors, env.Cursor)
		case <-deadline:
			t.Fatalf("timed out with %d records", len(cursors))
		}
	}

	for i, c := range cursors {
		assert.EqualValues(t, i+1, c, "exactly-once, in cursor order")
	}
}

func TestTailFallingBehindIsDisconnected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{
		Dir:         dir,
		TailBacklog: 8,
		Metrics:     metrics.NewRegistry(),
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	tail := s.Tail(ctx, 0)

	// Never read until the writer has far outrun the backlog.
	for i := 0; i < 200; i++ {
		_, err := s.Append(ctx, record.KindFileChange, testEvent(fmt.Sprintf("e%d", i), "/ws"))
		require.NoError(t, err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-tail.C():
			if !ok {
				assert.ErrorIs(t, tail.Err(), ErrResumeRequired)
				return
			}
		case <-deadline:
			t.Fatal("tail was never disconnected")
		}
	}
}

func TestWorkspacesAggregation(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, record.KindFileChange, testEvent(fmt.Sprintf("a%d", i), "/ws/alpha"))
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, record.KindFileAdd, testEvent("b0", "/ws/beta"))
	require.NoError(t, err)

	workspaces, err := s.Workspaces()
	require.NoError(t, err)
	require.Len(t, workspaces, 2)

	byRoot := make(map[string]record.Workspace)
	for _, w := range workspaces {
		byRoot[w.Root] = w
	}
	assert.EqualValues(t, 3, byRoot["/ws/alpha"].EventCount)
	assert.Equal(t, "alpha", byRoot["/ws/alpha"].Name)
	assert.EqualValues(t, 1, byRoot["/ws/beta"].EventCount)
}

func TestQueryLimitClamped(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{
		Dir:           dir,
		MaxQueryLimit: 5,
		Metrics:       metrics.NewRegistry(),
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, record.KindFileChange, testEvent(fmt.Sprintf("e%d", i), "/ws"))
		require.NoError(t, err)
	}

	all, err := s.Records(Query{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestStorePropertyCursorAndTimestampMonotone(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20

	properties := gopter.NewProperties(params)

	properties.Property("appends preserve cursor and timestamp order", prop.ForAll(
		func(kinds []uint8) bool {
			s := openTestStore(t, t.TempDir())
			defer s.Close()

			ctx := context.Background()
			for i, k := range kinds {
				var err error
				switch k % 3 {
				case 0:
					_, err = s.Append(ctx, record.KindFileAdd, testEvent(fmt.Sprintf("e%d", i), "/ws"))
				case 1:
					_, err = s.Append(ctx, record.KindFileChange, testEvent(fmt.Sprintf("e%d", i), "/ws"))
				default:
					_, err = s.Append(ctx, record.KindTerminal, &record.TerminalCommand{ID: fmt.Sprintf("t%d", i), Command: "ls"})
				}
				if err != nil {
					return false
				}
			}

			all, err := s.Records(Query{Limit: len(kinds) + 1})
			if err != nil || len(all) != len(kinds) {
				return false
			}
			var prevCursor uint64
			var prevTs int64
			for _, env := range all {
				ts := env.Time().UnixNano()
				if env.Cursor <= prevCursor || ts < prevTs {
					return false
				}
				prevCursor, prevTs = env.Cursor, ts
			}
			return true
		},
		gen.SliceOfN(12, gen.UInt8()),
	))

	properties.TestingRun(t)
}
