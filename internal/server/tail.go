package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"pulsed/internal/store"
)

// heartbeatInterval keeps idle tail connections from being reaped by
// intermediaries.
const heartbeatInterval = 15 * time.Second

// handleTail is the push channel: server-sent events, one frame per
// record, the cursor carried as the SSE id so reconnecting clients can
// resume where they left off. A client that falls behind the backlog is
// closed with a resume_required frame and must re-snapshot.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	after := queryUint64(r, "cursor_after")
	// EventSource reconnects carry the last seen id here.
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if _, err := fmt.Sscanf(lastID, "%d", &after); err != nil {
			writeError(w, http.StatusBadRequest, "malformed Last-Event-ID")
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.activeTails.Inc()
	defer s.activeTails.Dec()
	s.log.Debug("tail opened", "cursor_after", after)

	rc := http.NewResponseController(w)
	tail := s.opts.Store.Tail(r.Context(), after)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	write := func(format string, args ...any) bool {
		_ = rc.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		if _, err := fmt.Fprintf(w, format, args...); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case env, open := <-tail.C():
			if !open {
				if errors.Is(tail.Err(), store.ErrResumeRequired) {
					s.tailResumes.Inc()
					s.log.Info("tail client fell behind", "cursor_after", after)
					write("event: resume_required\ndata: {\"error\": \"resume required\"}\n\n")
				}
				return
			}
			if !write("id: %d\nevent: %s\ndata: %s\n\n", env.Cursor, env.Kind, env.Payload) {
				return
			}
		case <-heartbeat.C:
			if !write(": ping\n\n") {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
