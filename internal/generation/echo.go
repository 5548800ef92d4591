// ABOUTME: Echo generation backend for local runs and tests
// ABOUTME: Reflects the request back as one deterministic fragment

package generation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/2389/deepbot/internal/message"
)

// recentSpeakers bounds the speaker list in echo replies.
const recentSpeakers = 3

// Echo is a Client that answers with a summary of the request it was given.
type Echo struct{}

// NewEcho creates an echo backend.
func NewEcho() *Echo {
	return &Echo{}
}

// Name implements Client.
func (e *Echo) Name() string { return "echo" }

// Generate implements Client. The reply is a single fragment.
func (e *Echo) Generate(ctx context.Context, req *Request) <-chan Event {
	events := make(chan Event, 2)
	go func() {
		defer close(events)
		for _, ev := range []Event{{Text: EchoReply(req)}, {Done: true}} {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events
}

// EchoReply renders the text Echo produces for req.
func EchoReply(req *Request) string {
	var system, user, assistant, directed int
	var speakers []string
	for _, m := range req.Messages {
		switch m.Role {
		case message.RoleSystem:
			system++
		case message.RoleUser:
			user++
			if m.Directed {
				directed++
			}
		case message.RoleAssistant:
			assistant++
		}
	}
	for i := len(req.Messages) - 1; i >= 0 && len(speakers) < recentSpeakers; i-- {
		m := req.Messages[i]
		if m.Role == message.RoleUser && m.Author != "" && !slices.Contains(speakers, m.Author) {
			speakers = append(speakers, m.Author)
		}
	}

	var b strings.Builder
	if last, ok := req.LastDirected(); ok {
		fmt.Fprintf(&b, "ECHO: %s\n", last.Content)
	} else {
		b.WriteString("ECHO: (nothing to echo)\n")
	}
	fmt.Fprintf(&b, "context: %d messages (%d system, %d user, %d assistant), %d directed at me\n",
		len(req.Messages), system, user, assistant, directed)
	if len(speakers) > 0 {
		fmt.Fprintf(&b, "recent speakers: %s", strings.Join(speakers, ", "))
	} else {
		b.WriteString("recent speakers: none")
	}
	return b.String()
}
