package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"pulsed/internal/clio"
	"pulsed/internal/link"
	"pulsed/internal/record"
	"pulsed/internal/store"
)

// maxIngestBytes bounds pushed payloads.
const maxIngestBytes = 4 * 1024 * 1024

// wireRecord is how a stored record crosses the REST surface.
type wireRecord struct {
	Cursor uint64          `json:"cursor"`
	Kind   string          `json:"kind"`
	Record json.RawMessage `json:"record"`
}

func toWire(envs []record.Envelope) []wireRecord {
	out := make([]wireRecord, 0, len(envs))
	for _, env := range envs {
		out = append(out, wireRecord{Cursor: env.Cursor, Kind: env.Kind.String(), Record: env.Payload})
	}
	return out
}

func queryInt64(r *http.Request, key string) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func queryUint64(r *http.Request, key string) uint64 {
	v, err := strconv.ParseUint(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func timeFromNs(ns int64) time.Time {
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func queryLimit(r *http.Request, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Health.Snapshot())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = s.opts.Metrics.WriteProm(w)
}

// handleActivity serves paged file events in ascending timestamp order.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := store.Query{
		Workspace:   r.URL.Query().Get("workspace"),
		Kinds:       []record.Kind{record.KindFileAdd, record.KindFileChange, record.KindFileDelete},
		SinceNs:     queryInt64(r, "since"),
		AfterCursor: queryUint64(r, "cursor_after"),
		Limit:       queryLimit(r, 100),
	}
	envs, err := s.opts.Store.Records(q)
	if err != nil {
		s.log.Error("activity query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	next := q.AfterCursor
	if len(envs) > 0 {
		next = envs[len(envs)-1].Cursor
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":     toWire(envs),
		"next_cursor": next,
	})
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.opts.Store.Workspaces()
	if err != nil {
		s.log.Error("workspace query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if workspaces == nil {
		workspaces = []record.Workspace{}
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.opts.Store.Prompts(
		r.URL.Query().Get("workspace"),
		timeFromNs(queryInt64(r, "since")),
		queryLimit(r, 100),
	)
	if err != nil {
		s.log.Error("prompt query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if prompts == nil {
		prompts = []*record.Prompt{}
	}
	writeJSON(w, http.StatusOK, prompts)
}

func (s *Server) handleIngestPrompt(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	cursor, prompt, err := s.opts.Linker.Ingest(r.Context(), body)
	if err != nil {
		if errors.Is(err, link.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("prompt ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": prompt.ID, "cursor": cursor})
}

func (s *Server) handleIngestTerminal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	cmd, err := link.ValidateTerminal(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cursor, err := s.opts.Store.Append(r.Context(), record.KindTerminal, cmd)
	if err != nil {
		s.log.Error("terminal ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": cmd.ID, "cursor": cursor})
}

// handleSnapshot returns the warm-start bundle. The cursor is captured
// before the queries and bounds them, so snapshot-then-tail covers the
// stream exactly once.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	workspace := r.URL.Query().Get("workspace")
	sinceNs := queryInt64(r, "since")
	cursor := s.opts.Store.LastCursor()

	events, err := s.opts.Store.Records(store.Query{
		Workspace:   workspace,
		Kinds:       []record.Kind{record.KindFileAdd, record.KindFileChange, record.KindFileDelete},
		SinceNs:     sinceNs,
		UntilCursor: cursor,
		Limit:       queryLimit(r, 1000),
	})
	if err != nil {
		s.log.Error("snapshot event query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	terminal, err := s.opts.Store.Records(store.Query{
		Workspace:   workspace,
		Kinds:       []record.Kind{record.KindTerminal},
		SinceNs:     sinceNs,
		UntilCursor: cursor,
		Limit:       queryLimit(r, 1000),
	})
	if err != nil {
		s.log.Error("snapshot terminal query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	prompts, err := s.opts.Store.Prompts(workspace, timeFromNs(sinceNs), queryLimit(r, 1000))
	if err != nil {
		s.log.Error("snapshot prompt query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if prompts == nil {
		prompts = []*record.Prompt{}
	}

	workspaces, err := s.opts.Store.Workspaces()
	if err != nil {
		s.log.Error("snapshot workspace query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if workspaces == nil {
		workspaces = []record.Workspace{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":     toWire(events),
		"prompts":    prompts,
		"terminal":   toWire(terminal),
		"workspaces": workspaces,
		"cursor":     cursor,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.opts.Aggregator.Stats(r.URL.Query().Get("workspace"))
	if window := r.URL.Query().Get("window"); window != "" && window != "all" {
		if _, ok := stats.Windows[window]; !ok {
			writeError(w, http.StatusBadRequest, "unknown window: "+window)
			return
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.opts.Aggregator.Sessions()
	if workspace := r.URL.Query().Get("workspace"); workspace != "" {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if sess.Workspace == workspace {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}
	if sessions == nil {
		sessions = []record.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleClioProcess(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	result, err := s.opts.Clio.Process(r.Context(), body, r.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, clio.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "summarizer not configured")
			return
		}
		s.log.Warn("summarizer call failed", "error", err)
		writeError(w, http.StatusBadGateway, "summarizer unreachable")
		return
	}

	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}
