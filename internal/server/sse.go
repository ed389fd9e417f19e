package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pulz/internal/logging"
)

// heartbeatInterval is how long the feed may sit idle before a
// heartbeat frame is pushed.
const heartbeatInterval = 10 * time.Second

// handleFeed streams engine events as server-sent events. Idle
// connections receive a heartbeat with the live mission counters.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)
	logging.API("Feed subscriber connected")

	heartbeat := time.NewTimer(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logging.API("Feed subscriber disconnected")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeFrame(w, ev.Type, ev.Data); err != nil {
				return
			}
			flusher.Flush()
			resetTimer(heartbeat, heartbeatInterval)
		case <-heartbeat.C:
			snap := s.engine.Snapshot()
			payload := map[string]any{
				"running":    snap.Running,
				"time_left":  snap.TimeLeftSeconds,
				"queue_size": snap.QueueSize,
			}
			if err := writeFrame(w, "heartbeat", payload); err != nil {
				return
			}
			flusher.Flush()
			heartbeat.Reset(heartbeatInterval)
		}
	}
}

// writeFrame emits one SSE frame: event type line, data line, blank line.
func writeFrame(w http.ResponseWriter, eventType string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, body)
	return err
}

// resetTimer drains and restarts a timer that has not fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
