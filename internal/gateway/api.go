// ABOUTME: JSON handlers for the operations API
// ABOUTME: Channel listing, stored history, message injection, ledger queries and health

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/deepbot/internal/auth"
	"github.com/2389/deepbot/internal/channel"
	"github.com/2389/deepbot/internal/conversation"
	"github.com/2389/deepbot/internal/message"
	"github.com/2389/deepbot/internal/store"
)

const maxInjectBodyBytes = 64 << 10

// ChannelSummary is one entry of GET /api/channels.
type ChannelSummary struct {
	ID               string        `json:"id"`
	Name             string        `json:"name,omitempty"`
	State            channel.State `json:"state"`
	Stored           int           `json:"stored"`
	OverrideSet      bool          `json:"override_set"`
	LastReconciledAt *time.Time    `json:"last_reconciled_at,omitempty"`
	Pending          int           `json:"pending"`
	Generations      int           `json:"generations"`
}

// HistoryResponse is the body of GET /api/channels/{id}/history.
type HistoryResponse struct {
	ChannelID string           `json:"channel_id"`
	Records   []message.Record `json:"records"`
}

// InjectRequest is the body of POST /api/channels/{id}/messages.
type InjectRequest struct {
	Author   string `json:"author"`
	Content  string `json:"content"`
	Directed bool   `json:"directed"`
}

// InjectResponse acknowledges a queued message.
type InjectResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

func summarize(s channel.Snapshot) ChannelSummary {
	sum := ChannelSummary{
		ID:          s.ChannelID,
		Name:        s.ChannelName,
		State:       s.State,
		Stored:      len(s.Records),
		OverrideSet: s.PromptOverride != "",
		Pending:     s.Pending,
		Generations: s.Generations,
	}
	if !s.LastReconciledAt.IsZero() {
		t := s.LastReconciledAt
		sum.LastReconciledAt = &t
	}
	return sum
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"channels": s.engine.Len(),
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	snaps := s.engine.Snapshots()
	out := make([]ChannelSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, summarize(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.engine.Snapshot(id)
	if !ok {
		sendJSONError(w, http.StatusNotFound, "channel not found")
		return
	}
	records := snap.Records
	if records == nil {
		records = []message.Record{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ChannelID: id, Records: records})
}

func (s *Server) handleInjectMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := parseInjectRequest(io.LimitReader(r.Body, maxInjectBodyBytes))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Author == "" {
		req.Author = auth.SubjectFromContext(r.Context())
	}
	if req.Author == "" {
		req.Author = "operator"
	}

	rec, err := s.engine.Inject(id, req.Author, req.Content, req.Directed)
	switch {
	case errors.Is(err, conversation.ErrIgnored):
		sendJSONError(w, http.StatusUnprocessableEntity, "message has no content")
		return
	case errors.Is(err, conversation.ErrClosed):
		sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		s.logger.Error("injecting message", "channel", id, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("injected message", "channel", id, "author", req.Author, "content", truncate(req.Content, 50))
	writeJSON(w, http.StatusAccepted, InjectResponse{ID: rec.ID, ChannelID: id, Content: rec.Content})
}

// parseInjectRequest decodes and validates an InjectRequest.
func parseInjectRequest(r io.Reader) (*InjectRequest, error) {
	var req InjectRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errors.New("content is required")
	}
	return &req, nil
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		sendJSONError(w, http.StatusServiceUnavailable, "ledger disabled")
		return
	}

	q := r.URL.Query()
	f := store.Filter{
		ChannelID: q.Get("channel"),
		Outcome:   q.Get("outcome"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		f.Since = &since
	}

	gens, err := s.ledger.ListGenerations(r.Context(), f)
	if err != nil {
		s.logger.Error("listing generations", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if gens == nil {
		gens = []*store.Generation{}
	}
	writeJSON(w, http.StatusOK, gens)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		sendJSONError(w, http.StatusServiceUnavailable, "ledger disabled")
		return
	}
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.logger.Error("reading ledger stats", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
