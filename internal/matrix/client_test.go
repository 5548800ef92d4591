// ABOUTME: Tests for the Matrix client against a fake homeserver
// ABOUTME: Serves canned client-server API responses from httptest and records requests

package matrix

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"

	"github.com/2389/deepbot/internal/channel"
	"github.com/2389/deepbot/internal/config"
	"github.com/2389/deepbot/internal/conversation"
	"github.com/2389/deepbot/internal/history"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	body   []byte
}

type fakeHomeserver struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]string // path suffix -> JSON response
}

func newFakeHomeserver(t *testing.T) (*fakeHomeserver, *httptest.Server) {
	t.Helper()
	hs := &fakeHomeserver{t: t, routes: map[string]string{}}
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)
	return hs, srv
}

func (hs *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	hs.mu.Lock()
	hs.requests = append(hs.requests, recordedRequest{r.Method, r.URL.Path, r.URL.RawQuery, body})
	hs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	for suffix, resp := range hs.routes {
		if strings.Contains(r.URL.Path, suffix) {
			_, _ = io.WriteString(w, resp)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, `{"errcode":"M_NOT_FOUND","error":"not found"}`)
}

func (hs *fakeHomeserver) find(substr string) []recordedRequest {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	var out []recordedRequest
	for _, r := range hs.requests {
		if strings.Contains(r.path, substr) {
			out = append(out, r)
		}
	}
	return out
}

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*config.MatrixConfig)) *Client {
	t.Helper()
	cfg := config.MatrixConfig{
		Enabled:     true,
		Homeserver:  srv.URL,
		UserID:      string(self),
		AccessToken: "syt_test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestClient_FetchRecent(t *testing.T) {
	hs, srv := newFakeHomeserver(t)
	hs.routes["/rooms/!room:example.org/messages"] = `{
		"start": "s1", "end": "s0",
		"chunk": [
			{"event_id": "$3", "type": "m.room.message", "sender": "@deepbot:example.org", "origin_server_ts": 1767225603000,
			 "content": {"msgtype": "m.notice", "body": "History cleared for this channel."}},
			{"event_id": "$2", "type": "m.room.member", "sender": "@bob:example.org", "state_key": "@bob:example.org", "origin_server_ts": 1767225602000,
			 "content": {"membership": "join"}},
			{"event_id": "$1", "type": "m.room.message", "sender": "@alice:example.org", "origin_server_ts": 1767225601000,
			 "content": {"msgtype": "m.text", "body": "deepbot: hi"}}
		]
	}`
	c := newTestClient(t, srv, nil)

	got, err := c.FetchRecent(t.Context(), "!room:example.org", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "$3", got[0].ID)
	assert.True(t, got[0].Notice)
	assert.Equal(t, "!room:example.org", got[0].ChannelID, "room id filled in from the request")

	assert.Equal(t, "$1", got[1].ID)
	assert.Equal(t, "alice", got[1].Author)
	assert.Equal(t, "deepbot: hi", got[1].Content)

	reqs := hs.find("/messages")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].query, "dir=b")
	assert.Contains(t, reqs[0].query, "limit=5")
}

func TestClient_FetchRecentError(t *testing.T) {
	_, srv := newFakeHomeserver(t)
	c := newTestClient(t, srv, nil)

	_, err := c.FetchRecent(t.Context(), "!gone:example.org", 5)
	assert.ErrorContains(t, err, "fetching messages for !gone:example.org")
}

func TestClient_Send(t *testing.T) {
	hs, srv := newFakeHomeserver(t)
	hs.routes["/send/m.room.message/"] = `{"event_id": "$sent"}`
	c := newTestClient(t, srv, nil)

	require.NoError(t, c.Send(t.Context(), "!room:example.org", channel.Outgoing{Kind: channel.KindReply, Text: "a **bold** line"}))
	require.NoError(t, c.Send(t.Context(), "!room:example.org", channel.Outgoing{Kind: channel.KindNotice, Text: "Settings reset."}))

	reqs := hs.find("/send/m.room.message/")
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPut, reqs[0].method)
	assert.Contains(t, reqs[0].path, "/rooms/!room:example.org/")

	var reply, notice event.MessageEventContent
	require.NoError(t, json.Unmarshal(reqs[0].body, &reply))
	require.NoError(t, json.Unmarshal(reqs[1].body, &notice))

	assert.Equal(t, event.MsgText, reply.MsgType)
	assert.Equal(t, "a **bold** line", reply.Body)
	assert.Contains(t, reply.FormattedBody, "<strong>bold</strong>")
	assert.Equal(t, event.MsgNotice, notice.MsgType)
	assert.Equal(t, "Settings reset.", notice.Body)
}

func TestClient_Channels(t *testing.T) {
	hs, srv := newFakeHomeserver(t)
	hs.routes["/joined_rooms"] = `{"joined_rooms": ["!a:example.org", "!b:example.org", "!c:example.org"]}`
	hs.routes["/rooms/!a:example.org/state/m.room.name"] = `{"name": "General"}`
	c := newTestClient(t, srv, func(cfg *config.MatrixConfig) {
		cfg.AllowedRooms = []string{"!a:example.org", "!b:example.org"}
	})

	got, err := c.Channels(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []conversation.ChannelInfo{
		{ID: "!a:example.org", Name: "General"},
		{ID: "!b:example.org", Name: ""},
	}, got)
}

func TestClient_SetTyping(t *testing.T) {
	hs, srv := newFakeHomeserver(t)
	hs.routes["/typing/"] = `{}`

	off := newTestClient(t, srv, nil)
	require.NoError(t, off.SetTyping(t.Context(), "!room:example.org", true))
	assert.Empty(t, hs.find("/typing/"), "typing indicator disabled")

	on := newTestClient(t, srv, func(cfg *config.MatrixConfig) { cfg.TypingIndicator = true })
	require.NoError(t, on.SetTyping(t.Context(), "!room:example.org", true))
	require.NoError(t, on.SetTyping(t.Context(), "!room:example.org", false))

	reqs := hs.find("/typing/")
	require.Len(t, reqs, 2)
	var body map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].body, &body))
	assert.Equal(t, true, body["typing"])
	require.NoError(t, json.Unmarshal(reqs[1].body, &body))
	assert.Equal(t, false, body["typing"])
}

type fakeDispatcher struct {
	got []history.RawMessage
	err error
}

func (d *fakeDispatcher) DispatchRaw(raw history.RawMessage) error {
	d.got = append(d.got, raw)
	return d.err
}

func TestClient_HandleMessageEvent(t *testing.T) {
	_, srv := newFakeHomeserver(t)
	c := newTestClient(t, srv, func(cfg *config.MatrixConfig) {
		cfg.AllowedRooms = []string{"!room:example.org"}
	})
	c.startedAt = time.UnixMilli(1767225600000)
	d := &fakeDispatcher{}

	c.handleMessageEvent(messageEvent("@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}), d)
	c.handleMessageEvent(messageEvent(self, &event.MessageEventContent{MsgType: event.MsgText, Body: "my own line"}), d)

	other := messageEvent("@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "elsewhere"})
	other.RoomID = "!other:example.org"
	c.handleMessageEvent(other, d)

	require.Len(t, d.got, 1)
	assert.Equal(t, "hi", d.got[0].Content)

	d.err = conversation.ErrDuplicate
	c.handleMessageEvent(messageEvent("@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "again"}), d)
	d.err = errors.New("boom")
	c.handleMessageEvent(messageEvent("@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "again"}), d)
	assert.Len(t, d.got, 3, "dispatch errors are logged, not fatal")
}

func TestClient_HandleMessageEventSkipsOldHistory(t *testing.T) {
	_, srv := newFakeHomeserver(t)
	c := newTestClient(t, srv, nil)
	c.startedAt = time.UnixMilli(1767225600000)
	d := &fakeDispatcher{}

	// Sent while the startup fetch was running: delivered by the first sync.
	recent := messageEvent("@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "deepbot: hi"})
	recent.Timestamp = c.startedAt.Add(5 * time.Second).UnixMilli()
	c.handleMessageEvent(recent, d)

	old := messageEvent("@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "deepbot: wipe"})
	old.Timestamp = c.startedAt.Add(-time.Hour).UnixMilli()
	c.handleMessageEvent(old, d)

	require.Len(t, d.got, 1)
	assert.Equal(t, "deepbot: hi", d.got[0].Content)
}

func TestClient_IsRoomAllowed(t *testing.T) {
	_, srv := newFakeHomeserver(t)
	open := newTestClient(t, srv, nil)
	assert.True(t, open.isRoomAllowed("!any:example.org"))

	limited := newTestClient(t, srv, func(cfg *config.MatrixConfig) { cfg.AllowedRooms = []string{"!a:x"} })
	assert.True(t, limited.isRoomAllowed("!a:x"))
	assert.False(t, limited.isRoomAllowed("!b:x"))
}
