// ABOUTME: Server-sent event stream of a channel's emitted lines and outcomes
// ABOUTME: Relays broadcaster events as "line", "done", "error" and "command" SSE events

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/deepbot/internal/conversation"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.engine.Snapshot(id); !ok {
		sendJSONError(w, http.StatusNotFound, "channel not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, subID := s.engine.Broadcaster().Subscribe(ctx, id)
	defer s.engine.Broadcaster().Unsubscribe(id, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	s.writeSSEEvent(w, "ready", map[string]string{"channel_id": id})
	flusher.Flush()

	s.logger.Debug("stream opened", "channel", id)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.writeSSEEvent(w, sseEventName(ev.Kind), ev)
			flusher.Flush()
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sseEventName(kind conversation.EventKind) string {
	switch kind {
	case conversation.EventLine, conversation.EventDone, conversation.EventError, conversation.EventCommand:
		return string(kind)
	default:
		return "unknown"
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
