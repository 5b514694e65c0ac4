package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/stowage/internal/model"
	"github.com/seantiz/stowage/internal/selection"
)

func (s *Server) handleStreamChanges(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	d, open := s.desc, s.storage != nil
	s.mu.RUnlock()

	if !open {
		s.writeStorageError(w, "stream changes", selection.ErrNotInitialized)
		return
	}
	if !d.SupportsReplicationProtocol {
		s.writeError(w, http.StatusNotImplemented, "backend "+d.Name+" does not support the replication protocol")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing before the headers go out means any write the client makes
	// after seeing the 200 is delivered.
	ch, unsub := s.broker.Subscribe(d.Name)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// The backend stopped being active.
				_ = writeSSEEvent(w, "done", "backend switched")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeChangeEvent(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeChangeEvent writes ev as an SSE event whose id is the feed sequence,
// so clients can spot gaps left by dropped events.
func writeChangeEvent(w http.ResponseWriter, ev model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: change\ndata: %s\n\n", ev.Seq, data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
