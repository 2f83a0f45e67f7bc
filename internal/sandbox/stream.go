package sandbox

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hochfrequenz/provision-runner/internal/domain"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	cursor, _ := strconv.ParseInt(r.URL.Query().Get("afterEventId"), 10, 64)

	s.mu.Lock()
	st, ok := s.runs[id]
	transient := false
	if ok && st.transientEnds > 0 {
		st.transientEnds--
		transient = true
	}
	maxPerConn := s.maxPerConn
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: hello\ndata: attached to %s after %d\n\n", id, cursor)
	flusher.Flush()

	if transient {
		fmt.Fprint(w, "event: end\ndata: {\"reason\":\"not_found\"}\n\n")
		flusher.Flush()
		s.logf("sandbox: injected transient end for %s", id)
		return
	}

	heartbeat := time.NewTicker(s.Heartbeat)
	defer heartbeat.Stop()

	sent := 0
	for {
		s.mu.Lock()
		var pending []domain.Event
		for _, ev := range st.events {
			if ev.ID > cursor {
				pending = append(pending, ev)
			}
		}
		changed := st.changed
		s.mu.Unlock()

		for _, ev := range pending {
			if ev.EventType == "end" {
				fmt.Fprintf(w, "event: end\ndata: %s\n\n", ev.Message)
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.EventType, ev.Message)
			flusher.Flush()
			cursor = ev.ID
			sent++
			if maxPerConn > 0 && sent >= maxPerConn {
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-changed:
		case <-heartbeat.C:
			fmt.Fprint(w, "event: line\ndata: __HB__\n\n")
			flusher.Flush()
		}
	}
}
