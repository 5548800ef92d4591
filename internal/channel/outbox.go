// ABOUTME: Output contracts between channel actors and the chat gateway
// ABOUTME: Defines the outbox, outgoing message kinds and actor observers

package channel

import (
	"context"
	"time"
)

// Kind classifies outgoing text so gateways can render it appropriately.
type Kind string

const (
	// KindReply is a line of generated text.
	KindReply Kind = "reply"
	// KindNotice is a command response or status message.
	KindNotice Kind = "notice"
	// KindError reports a failure to the channel.
	KindError Kind = "error"
)

// Outgoing is one message to send to a channel.
type Outgoing struct {
	Kind Kind
	Text string
}

// Outbox delivers actor output to the chat gateway.
type Outbox interface {
	Send(ctx context.Context, channelID string, msg Outgoing) error
	SetTyping(ctx context.Context, channelID string, typing bool) error
}

// Wiper clears history across every channel. origin is the channel that
// asked; the return value is the number of channels affected.
type Wiper interface {
	Wipe(origin string) int
}

// GenerationResult summarizes one finished generation.
type GenerationResult struct {
	ID        string
	TriggerID string
	Backend   string
	Lines     int
	Chars     int
	Truncated bool
	Err       error
	Started   time.Time
	Finished  time.Time
}

// Outcome names how the generation ended: success, failure or cancelled.
func (r GenerationResult) Outcome() string {
	switch {
	case r.Err == nil:
		return "success"
	case isCancellation(r.Err):
		return "cancelled"
	default:
		return "failure"
	}
}

// Observer is told about actor activity. Implementations must not block.
type Observer interface {
	LineEmitted(channelID, line string)
	GenerationFinished(channelID string, result GenerationResult)
	CommandExecuted(channelID, command string, err error)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) LineEmitted(string, string)                  {}
func (NopObserver) GenerationFinished(string, GenerationResult) {}
func (NopObserver) CommandExecuted(string, string, error)       {}
