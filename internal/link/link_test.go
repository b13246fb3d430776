package link

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsed/internal/metrics"
	"pulsed/internal/record"
	"pulsed/internal/store"
)

func openStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{Dir: dir, Metrics: metrics.NewRegistry()})
	require.NoError(t, err)
	return s
}

func appendEvent(t *testing.T, s *store.Store, id, workspace string) {
	t.Helper()
	_, err := s.Append(context.Background(), record.KindFileChange, &record.Event{
		ID:        id,
		Kind:      record.KindFileChange,
		Path:      workspace + "/f.go",
		Workspace: workspace,
	})
	require.NoError(t, err)
}

func promptPayload(id, workspace string) []byte {
	return []byte(fmt.Sprintf(`{"id": %q, "text": "refactor this", "workspace": %q, "timestamp": %d}`,
		id, workspace, time.Now().UnixNano()))
}

func waitForLinks(t *testing.T, s *store.Store, promptID string, want int) *record.Prompt {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p, err := s.Prompt(promptID)
		require.NoError(t, err)
		if len(p.LinkedEventIDs) >= want {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	p, _ := s.Prompt(promptID)
	t.Fatalf("prompt %s has %d links, wanted %d", promptID, len(p.LinkedEventIDs), want)
	return nil
}

func TestValidatePromptRejectsMissingFields(t *testing.T) {
	_, err := ValidatePrompt([]byte(`{"text": "no id or timestamp"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ValidatePrompt([]byte(`{"id": "", "text": "x", "timestamp": 1}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ValidatePrompt([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestValidatePromptPreservesUnknownFields(t *testing.T) {
	p, err := ValidatePrompt([]byte(`{"id": "p1", "text": "x", "timestamp": 5, "editor_build": "1.92.0"}`))
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, record.ModeUnknown, p.Mode)
	require.Contains(t, p.Extra, "editor_build")
}

func TestValidatePromptRejectsBadMode(t *testing.T) {
	_, err := ValidatePrompt([]byte(`{"id": "p1", "text": "x", "timestamp": 5, "mode": "psychic"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestValidateTerminal(t *testing.T) {
	cmd, err := ValidateTerminal([]byte(`{"id": "t1", "command": "go test ./...", "timestamp": 9}`))
	require.NoError(t, err)
	assert.Equal(t, "go test ./...", cmd.Command)

	_, err = ValidateTerminal([]byte(`{"id": "t1", "command": "", "timestamp": 9}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestIngestLinksPreWindowEvents(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	appendEvent(t, s, "e1", "/ws")
	appendEvent(t, s, "e2", "/ws")
	appendEvent(t, s, "other", "/elsewhere")

	l := New(Options{Store: s, Metrics: metrics.NewRegistry()})
	_, prompt, err := l.Ingest(context.Background(), promptPayload("p1", "/ws"))
	require.NoError(t, err)
	assert.Equal(t, "p1", prompt.ID)

	p := waitForLinks(t, s, "p1", 2)
	assert.ElementsMatch(t, []string{"e1", "e2"}, p.LinkedEventIDs)
	assert.EqualValues(t, 1, p.Version)
}

func TestIngestLinksPreWindowForPromptWithoutWorkspace(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	appendEvent(t, s, "e1", "/ws")
	appendEvent(t, s, "e2", "/elsewhere")

	// A prompt without a workspace matches events from every workspace,
	// same as the live tail path.
	l := New(Options{Store: s, Metrics: metrics.NewRegistry()})
	payload := []byte(fmt.Sprintf(`{"id": "p1", "text": "refactor this", "timestamp": %d}`,
		time.Now().UnixNano()))
	_, prompt, err := l.Ingest(context.Background(), payload)
	require.NoError(t, err)
	assert.Empty(t, prompt.Workspace)

	p := waitForLinks(t, s, "p1", 2)
	assert.ElementsMatch(t, []string{"e1", "e2"}, p.LinkedEventIDs)
}

func TestIngestLinksEventsAppendedDuringIngest(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	l := New(Options{Store: s, Metrics: metrics.NewRegistry()})
	l.Start()
	defer l.Stop()

	// Events racing the ingest land either in the catch-up query or on
	// the tail; none may slip between the two.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, err := s.Append(context.Background(), record.KindFileChange, &record.Event{
				ID:        fmt.Sprintf("e%d", i),
				Kind:      record.KindFileChange,
				Path:      "/ws/f.go",
				Workspace: "/ws",
			})
			if err != nil {
				t.Errorf("append failed: %v", err)
				return
			}
		}
	}()

	_, _, err := l.Ingest(context.Background(), promptPayload("p1", "/ws"))
	require.NoError(t, err)
	<-done

	waitForLinks(t, s, "p1", 20)
}

func TestLinkerLinksEventsInPostWindow(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	l := New(Options{Store: s, Metrics: metrics.NewRegistry()})
	l.Start()
	defer l.Stop()

	_, _, err := l.Ingest(context.Background(), promptPayload("p1", "/ws"))
	require.NoError(t, err)

	appendEvent(t, s, "e1", "/ws")
	appendEvent(t, s, "e2", "/ws")
	appendEvent(t, s, "noise", "/elsewhere")

	p := waitForLinks(t, s, "p1", 2)
	assert.ElementsMatch(t, []string{"e1", "e2"}, p.LinkedEventIDs)
}

func TestLinkerIgnoresEventsAfterSeal(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	l := New(Options{
		Store:         s,
		PostWindow:    50 * time.Millisecond,
		Grace:         20 * time.Millisecond,
		Metrics:       metrics.NewRegistry(),
		sweepInterval: 20 * time.Millisecond,
	})
	l.Start()
	defer l.Stop()

	_, _, err := l.Ingest(context.Background(), promptPayload("p1", "/ws"))
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for l.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Zero(t, l.PendingCount(), "window never sealed")

	appendEvent(t, s, "late", "/ws")
	time.Sleep(100 * time.Millisecond)

	p, err := s.Prompt("p1")
	require.NoError(t, err)
	assert.Empty(t, p.LinkedEventIDs)
}

func TestFlushSurvivesExternalVersionBump(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	appendEvent(t, s, "e1", "/ws")

	l := New(Options{Store: s, Metrics: metrics.NewRegistry()})
	_, _, err := l.Ingest(context.Background(), promptPayload("p1", "/ws"))
	require.NoError(t, err)
	waitForLinks(t, s, "p1", 1)

	// Another writer advances the prompt version behind the linker's back.
	_, err = s.Append(context.Background(), record.KindPromptLink, &record.PromptLink{
		PromptID: "p1", Version: 1, EventIDs: []string{"external"},
	})
	require.NoError(t, err)

	// The next flush re-reads the current version instead of assuming.
	p := l.pendingFor("p1")
	require.NotNil(t, p)
	l.mu.Lock()
	p.linked["e2"] = true
	p.queued = append(p.queued, "e2")
	l.mu.Unlock()
	l.flush(p)

	got, err := s.Prompt("p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e1", "external", "e2"}, got.LinkedEventIDs)
}

func TestIngestRejectedPayloadStoresNothing(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	l := New(Options{Store: s, Metrics: metrics.NewRegistry()})
	_, _, err := l.Ingest(context.Background(), []byte(`{"text": "no id"}`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	records, err := s.Records(store.Query{})
	require.NoError(t, err)
	assert.Empty(t, records)
}
