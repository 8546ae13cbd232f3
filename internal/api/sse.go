package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const sseReplayLimit = 200

// handleRunEvents streams a run's event log: a bounded replay of history
// followed by live events. The subscription is opened before the replay
// is read so nothing falls in the gap; events that appear in both are
// deduplicated on the boundary.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if r.URL.Query().Get("format") == "json" {
		history, err := s.Store.ReadEvents(runID, maxParam(r))
		if err != nil {
			writeError(w, 500, err.Error())
			return
		}
		writeJSON(w, 200, history)
		return
	}

	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}
	if s.Metrics != nil {
		s.Metrics.EventSubscribers.WithLabelValues("run").Inc()
		defer s.Metrics.EventSubscribers.WithLabelValues("run").Dec()
	}

	ch, cancel := s.Store.Subscribe(runID)
	defer cancel()

	replayed := map[string]struct{}{}
	history, _ := s.Store.ReadEvents(runID, sseReplayLimit)
	for _, ev := range history {
		replayed[eventKey(ev)] = struct{}{}
		_ = writeSSE(w, ev)
	}
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			key := eventKey(ev)
			if _, dup := replayed[key]; dup {
				delete(replayed, key)
				continue
			}
			_ = writeSSE(w, ev)
			flusher.Flush()
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// handleSessionEvents mirrors handleRunEvents for sessions.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.URL.Query().Get("format") == "json" {
		history, err := s.Store.ReadSessionEvents(sessionID, maxParam(r))
		if err != nil {
			writeError(w, 500, err.Error())
			return
		}
		writeJSON(w, 200, history)
		return
	}

	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}
	if s.Metrics != nil {
		s.Metrics.EventSubscribers.WithLabelValues("session").Inc()
		defer s.Metrics.EventSubscribers.WithLabelValues("session").Dec()
	}

	ch, cancel := s.Store.SubscribeSession(sessionID)
	defer cancel()

	replayed := map[string]struct{}{}
	history, _ := s.Store.ReadSessionEvents(sessionID, sseReplayLimit)
	for _, ev := range history {
		replayed[eventKey(ev)] = struct{}{}
		_ = writeSSE(w, ev)
	}
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			key := eventKey(ev)
			if _, dup := replayed[key]; dup {
				delete(replayed, key)
				continue
			}
			_ = writeSSE(w, ev)
			flusher.Flush()
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, true
}

func maxParam(r *http.Request) int {
	raw := r.URL.Query().Get("max")
	if raw == "" {
		return 0
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
		return parsed
	}
	return 0
}

// eventKey identifies an event across the replay/live seam. Events carry
// no id, so the serialized form is the identity.
func eventKey(ev any) string {
	b, _ := json.Marshal(ev)
	return string(b)
}

func writeSSE(w io.Writer, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
	return err
}
