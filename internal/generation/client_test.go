// ABOUTME: Tests for request assembly and the echo backend
// ABOUTME: Covers author prefixes, merging of consecutive messages and echo output

package generation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deepbot/internal/message"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func window() []message.Record {
	return []message.Record{
		{ID: "system", Role: message.RoleSystem, Content: "You are deepbot."},
		{ID: "1", Author: "alice", AuthorID: "@alice:x", Content: "hi all", Role: message.RoleUser, Timestamp: t0},
		{ID: "2", Author: "alice", AuthorID: "@alice:x", Content: "deepbot: what's new?", Role: message.RoleUser, DirectedAtBot: true, Timestamp: t0.Add(time.Second)},
		{ID: "3", Author: "deepbot", AuthorID: "@deepbot:x", Content: "Not much.", Role: message.RoleAssistant, DirectedAtBot: true, Timestamp: t0.Add(2 * time.Second)},
		{ID: "4", Author: "bob", AuthorID: "@bob:x", Content: "lol", Role: message.RoleUser, Timestamp: t0.Add(3 * time.Second)},
	}
}

func TestNewRequest_PrefixesAndMerges(t *testing.T) {
	req := NewRequest(window(), DefaultSampling())

	require.Len(t, req.Messages, 4)
	assert.Equal(t, Message{Role: message.RoleSystem, Content: "You are deepbot."}, req.Messages[0])
	assert.Equal(t, "alice: hi all\n\nalice: deepbot: what's new?", req.Messages[1].Content)
	assert.True(t, req.Messages[1].Directed, "merged message is directed when any part is")
	assert.Equal(t, message.RoleAssistant, req.Messages[2].Role)
	assert.Equal(t, "Not much.", req.Messages[2].Content, "assistant text is not prefixed")
	assert.Equal(t, "bob: lol", req.Messages[3].Content)
	assert.Equal(t, "You are deepbot.", req.SystemPrompt())
}

func TestRequest_LastDirected(t *testing.T) {
	req := NewRequest(window(), DefaultSampling())
	last, ok := req.LastDirected()
	require.True(t, ok)
	assert.Equal(t, "alice", last.Author)

	req = NewRequest(window()[:1], DefaultSampling())
	_, ok = req.LastDirected()
	assert.False(t, ok)
}

func TestEcho_SingleFragment(t *testing.T) {
	req := NewRequest(window(), DefaultSampling())

	var fragments []string
	var done bool
	for ev := range NewEcho().Generate(t.Context(), req) {
		require.NoError(t, ev.Err)
		if ev.Done {
			done = true
			continue
		}
		fragments = append(fragments, ev.Text)
	}

	require.True(t, done)
	require.Len(t, fragments, 1)
	assert.Equal(t, EchoReply(req), fragments[0])
	assert.Equal(t,
		"ECHO: alice: hi all\n\nalice: deepbot: what's new?\n"+
			"context: 4 messages (1 system, 2 user, 1 assistant), 1 directed at me\n"+
			"recent speakers: bob, alice",
		fragments[0])
}

func TestEcho_Deterministic(t *testing.T) {
	req := NewRequest(window(), DefaultSampling())
	a, err := Collect(NewEcho().Generate(t.Context(), req))
	require.NoError(t, err)
	b, err := Collect(NewEcho().Generate(t.Context(), req))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
