package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// heartbeatInterval keeps idle SSE connections from being reaped by
// proxies between changes.
const heartbeatInterval = 30 * time.Second

// streamEvents serves the caller's issue change feed as Server-Sent
// Events. The subscription is scoped to the session's user and released
// when the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	user := requestUser(r)
	ch, cancel := s.hub.Subscribe(user.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, flusher, "connected", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, open := <-ch:
			if !open {
				return
			}
			writeFrame(w, flusher, string(ev.Type), ev)

		case <-heartbeat.C:
			writeFrame(w, flusher, "heartbeat", map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
}

// writeFrame writes one SSE frame and flushes it.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshaling SSE payload failed", "event", name, "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", name)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
