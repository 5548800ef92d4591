// ABOUTME: Tests for the operations API handlers
// ABOUTME: Drives the router with httptest against a fake engine and ledger

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deepbot/internal/auth"
	"github.com/2389/deepbot/internal/channel"
	"github.com/2389/deepbot/internal/config"
	"github.com/2389/deepbot/internal/conversation"
	"github.com/2389/deepbot/internal/message"
	"github.com/2389/deepbot/internal/store"
)

type injected struct {
	channelID, author, content string
	directed                   bool
}

type fakeEngine struct {
	mu          sync.Mutex
	snapshots   map[string]channel.Snapshot
	injected    []injected
	injectErr   error
	broadcaster *conversation.Broadcaster
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{
		snapshots:   map[string]channel.Snapshot{},
		broadcaster: conversation.NewBroadcaster(nil),
	}
	t.Cleanup(e.broadcaster.Close)
	return e
}

func (e *fakeEngine) add(s channel.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshots[s.ChannelID] = s
}

func (e *fakeEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.snapshots)
}

func (e *fakeEngine) Snapshots() []channel.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []channel.Snapshot
	for _, id := range []string{"!a:x", "!b:x", "!c:x"} {
		if s, ok := e.snapshots[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *fakeEngine) Snapshot(id string) (channel.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.snapshots[id]
	return s, ok
}

func (e *fakeEngine) Inject(channelID, author, content string, directed bool) (message.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.injectErr != nil {
		return message.Record{}, e.injectErr
	}
	e.injected = append(e.injected, injected{channelID, author, content, directed})
	return message.Record{ID: "api-1", ChannelID: channelID, Content: author + ": " + content}, nil
}

func (e *fakeEngine) Broadcaster() *conversation.Broadcaster { return e.broadcaster }

type fakeLedger struct {
	stats  *store.Stats
	gens   []*store.Generation
	filter store.Filter
	err    error
}

func (l *fakeLedger) Stats(context.Context) (*store.Stats, error) { return l.stats, l.err }

func (l *fakeLedger) ListGenerations(_ context.Context, f store.Filter) ([]*store.Generation, error) {
	l.filter = f
	return l.gens, l.err
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestServer(t *testing.T, engine Engine, deps Deps) *Server {
	t.Helper()
	deps.Engine = engine
	s, err := New(testConfig(), deps)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

func TestNew_RequiresEngine(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	e := newFakeEngine(t)
	e.add(channel.Snapshot{ChannelID: "!a:x"})
	s := newTestServer(t, e, Deps{})

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.InDelta(t, 1, body["channels"], 0)
}

func TestHandleListChannels(t *testing.T) {
	e := newFakeEngine(t)
	reconciled := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.add(channel.Snapshot{
		ChannelID:        "!a:x",
		ChannelName:      "general",
		State:            channel.Generating,
		Records:          []message.Record{{ID: "1"}, {ID: "2"}},
		PromptOverride:   "be brief",
		LastReconciledAt: reconciled,
		Pending:          1,
		Generations:      3,
	})
	e.add(channel.Snapshot{ChannelID: "!b:x", State: channel.Idle})
	s := newTestServer(t, e, Deps{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []ChannelSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 2)

	assert.Equal(t, "!a:x", got[0].ID)
	assert.Equal(t, "general", got[0].Name)
	assert.Equal(t, channel.Generating, got[0].State)
	assert.Equal(t, 2, got[0].Stored)
	assert.True(t, got[0].OverrideSet)
	require.NotNil(t, got[0].LastReconciledAt)
	assert.True(t, reconciled.Equal(*got[0].LastReconciledAt))
	assert.Equal(t, 1, got[0].Pending)
	assert.Equal(t, 3, got[0].Generations)

	assert.False(t, got[1].OverrideSet)
	assert.Nil(t, got[1].LastReconciledAt)
}

func TestHandleChannelHistory(t *testing.T) {
	e := newFakeEngine(t)
	e.add(channel.Snapshot{ChannelID: "!a:x", Records: []message.Record{
		{ID: "1", Author: "alice", Content: "hi", Role: message.RoleUser},
	}})
	e.add(channel.Snapshot{ChannelID: "!b:x"})
	s := newTestServer(t, e, Deps{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/channels/!a:x/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "!a:x", got.ChannelID)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "hi", got.Records[0].Content)

	rec = do(t, s.Handler(), http.MethodGet, "/api/channels/!b:x/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":[]`)

	rec = do(t, s.Handler(), http.MethodGet, "/api/channels/!nope:x/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "channel not found", errorBody(t, rec))
}

func TestHandleInjectMessage(t *testing.T) {
	e := newFakeEngine(t)
	s := newTestServer(t, e, Deps{})

	rec := do(t, s.Handler(), http.MethodPost, "/api/channels/!a:x/messages",
		`{"author":"ops","content":"deepbot: status?","directed":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var got InjectResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "api-1", got.ID)
	assert.Equal(t, "!a:x", got.ChannelID)

	require.Len(t, e.injected, 1)
	assert.Equal(t, injected{"!a:x", "ops", "deepbot: status?", true}, e.injected[0])
}

func TestHandleInjectMessage_DefaultAuthor(t *testing.T) {
	e := newFakeEngine(t)
	s := newTestServer(t, e, Deps{})

	rec := do(t, s.Handler(), http.MethodPost, "/api/channels/!a:x/messages", `{"content":"reset"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "operator", e.injected[0].author)
}

func TestHandleInjectMessage_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		injectErr  error
		wantStatus int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"empty content", `{"content":"   "}`, nil, http.StatusBadRequest},
		{"ignored", `{"content":"x"}`, conversation.ErrIgnored, http.StatusUnprocessableEntity},
		{"closed", `{"content":"x"}`, conversation.ErrClosed, http.StatusServiceUnavailable},
		{"other", `{"content":"x"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newFakeEngine(t)
			e.injectErr = tt.injectErr
			s := newTestServer(t, e, Deps{})

			rec := do(t, s.Handler(), http.MethodPost, "/api/channels/!a:x/messages", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, errorBody(t, rec))
		})
	}
}

func TestAPI_RequiresTokenWhenConfigured(t *testing.T) {
	verifier, err := auth.NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	e := newFakeEngine(t)
	s := newTestServer(t, e, Deps{Verifier: verifier})

	rec := do(t, s.Handler(), http.MethodGet, "/api/channels", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")

	token, err := verifier.Generate("ops-bot", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/channels/!a:x/messages", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "ops-bot", e.injected[0].author, "author defaults to the token subject")
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("deepbot_up 1\n"))
	})

	s := newTestServer(t, newFakeEngine(t), Deps{Metrics: metrics})
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deepbot_up 1\n", rec.Body.String())

	cfg := testConfig()
	cfg.Metrics.Enabled = false
	disabled, err := New(cfg, Deps{Engine: newFakeEngine(t), Metrics: metrics})
	require.NoError(t, err)
	rec = do(t, disabled.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStats(t *testing.T) {
	ledger := &fakeLedger{stats: &store.Stats{
		Generations: map[string]int64{"success": 4, "failure": 1},
		Commands:    map[string]int64{"reset": 2},
		Lines:       17,
		Truncated:   1,
	}}
	s := newTestServer(t, newFakeEngine(t), Deps{Ledger: ledger})

	rec := do(t, s.Handler(), http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(4), got.Generations["success"])
	assert.Equal(t, int64(2), got.Commands["reset"])
	assert.Equal(t, int64(17), got.Lines)

	ledger.err = errors.New("disk gone")
	rec = do(t, s.Handler(), http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	noLedger := newTestServer(t, newFakeEngine(t), Deps{})
	rec = do(t, noLedger.Handler(), http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleListGenerations(t *testing.T) {
	ledger := &fakeLedger{gens: []*store.Generation{{ID: "g1", ChannelID: "!a:x", Outcome: store.OutcomeSuccess, Lines: 2}}}
	s := newTestServer(t, newFakeEngine(t), Deps{Ledger: ledger})

	rec := do(t, s.Handler(), http.MethodGet, "/api/generations?channel=!a:x&outcome=success&limit=5&since=2026-01-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []store.Generation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "g1", got[0].ID)

	assert.Equal(t, "!a:x", ledger.filter.ChannelID)
	assert.Equal(t, "success", ledger.filter.Outcome)
	assert.Equal(t, 5, ledger.filter.Limit)
	require.NotNil(t, ledger.filter.Since)
	assert.Equal(t, 2026, ledger.filter.Since.Year())

	for _, q := range []string{"limit=0", "limit=abc", "since=yesterday"} {
		rec = do(t, s.Handler(), http.MethodGet, "/api/generations?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHandleStream(t *testing.T) {
	e := newFakeEngine(t)
	e.add(channel.Snapshot{ChannelID: "!a:x"})
	s := newTestServer(t, e, Deps{})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/channels/!a:x/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, _ := readEvent()
	require.Equal(t, "ready", name)

	e.broadcaster.Publish(conversation.Event{Kind: conversation.EventLine, ChannelID: "!b:x", Text: "other room"})
	e.broadcaster.Publish(conversation.Event{Kind: conversation.EventLine, ChannelID: "!a:x", Text: "first line"})
	e.broadcaster.Publish(conversation.Event{Kind: conversation.EventDone, ChannelID: "!a:x", Outcome: "success", Lines: 1})

	name, data := readEvent()
	assert.Equal(t, "line", name)
	var ev conversation.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "first line", ev.Text)

	name, data = readEvent()
	assert.Equal(t, "done", name)
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "success", ev.Outcome)
}

func TestHandleStream_UnknownChannel(t *testing.T) {
	s := newTestServer(t, newFakeEngine(t), Deps{})
	rec := do(t, s.Handler(), http.MethodGet, "/api/channels/!nope:x/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, newFakeEngine(t), Deps{})
	rec := do(t, s.Handler(), http.MethodGet, "/nowhere", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", errorBody(t, rec))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 50))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}
