// ABOUTME: Generation client contract, request assembly and stream events
// ABOUTME: Builds chat-completion messages from a channel's history window

package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/deepbot/internal/message"
)

// Client produces text for a request.
type Client interface {
	// Name identifies the backend in info output and logs.
	Name() string
	// Generate starts a generation. The returned channel yields fragments,
	// then one terminal event, then closes. Cancelling ctx closes it early.
	Generate(ctx context.Context, req *Request) <-chan Event
}

// Event is one item of a generation stream.
type Event struct {
	Text string
	Done bool
	Err  error
}

// Message is one chat-completion message.
type Message struct {
	Role    message.Role `json:"role"`
	Content string       `json:"content"`

	// Author and Directed describe where the message came from. They are
	// not sent to the backend.
	Author   string `json:"-"`
	Directed bool   `json:"-"`
}

// Sampling holds the sampling parameters sent with every request.
// MaxTokens and Seed are omitted from the wire when negative.
type Sampling struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	MaxTokens        int     `json:"max_tokens"`
	Seed             int     `json:"seed"`
}

// DefaultSampling returns the sampling used when none is configured.
func DefaultSampling() Sampling {
	return Sampling{
		Temperature: 0.7,
		TopP:        0.9,
		MaxTokens:   -1,
		Seed:        -1,
	}
}

// Request is everything a backend needs to produce a reply.
type Request struct {
	Messages []Message
	Sampling Sampling
}

// NewRequest builds a request from a history window whose first record is
// the system record. User messages are prefixed with their author so the
// model can tell speakers apart. Consecutive messages from the same author
// and role are merged into one message separated by a blank line.
func NewRequest(window []message.Record, sampling Sampling) *Request {
	req := &Request{
		Messages: make([]Message, 0, len(window)),
		Sampling: sampling,
	}

	var lastAuthorID string
	for _, r := range window {
		content := r.Content
		if r.Role == message.RoleUser && r.Author != "" {
			content = fmt.Sprintf("%s: %s", r.Author, r.Content)
		}

		if n := len(req.Messages); n > 0 && r.Role != message.RoleSystem {
			prev := &req.Messages[n-1]
			if prev.Role == r.Role && lastAuthorID == r.AuthorID && r.AuthorID != "" {
				prev.Content += "\n\n" + content
				prev.Directed = prev.Directed || r.DirectedAtBot
				continue
			}
		}

		req.Messages = append(req.Messages, Message{
			Role:     r.Role,
			Content:  content,
			Author:   r.Author,
			Directed: r.DirectedAtBot,
		})
		lastAuthorID = r.AuthorID
	}
	return req
}

// SystemPrompt returns the content of the leading system message, if any.
func (r *Request) SystemPrompt() string {
	if len(r.Messages) > 0 && r.Messages[0].Role == message.RoleSystem {
		return r.Messages[0].Content
	}
	return ""
}

// LastDirected returns the most recent user message addressed to the bot,
// falling back to the last user message.
func (r *Request) LastDirected() (Message, bool) {
	var fallback *Message
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role != message.RoleUser {
			continue
		}
		if m.Directed {
			return m, true
		}
		if fallback == nil {
			fallback = &r.Messages[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Message{}, false
}

// Collect drains a stream and returns the concatenated text and the terminal
// error, if any. It is a convenience for callers that do not need fragments.
func Collect(events <-chan Event) (string, error) {
	var b strings.Builder
	for ev := range events {
		if ev.Err != nil {
			return b.String(), ev.Err
		}
		b.WriteString(ev.Text)
	}
	return b.String(), nil
}
