// ABOUTME: Ledger entities and filters for deepbot persistence
// ABOUTME: Generations and command runs recorded by the engine for audit and stats

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Generation outcomes as recorded in the ledger.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Generation is one finished model reply.
type Generation struct {
	ID         string
	ChannelID  string
	TriggerID  string // record id of the message that caused it
	Backend    string
	Outcome    string
	Error      string
	Lines      int
	Chars      int
	Truncated  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the generation ran.
func (g *Generation) Duration() time.Duration {
	return g.FinishedAt.Sub(g.StartedAt)
}

// CommandRun is one executed bot command.
type CommandRun struct {
	ID        string
	ChannelID string
	Command   string
	Outcome   string
	Error     string
	CreatedAt time.Time
}

// Filter narrows ledger listings. Zero fields match everything.
type Filter struct {
	ChannelID string
	Outcome   string
	Since     *time.Time
	Limit     int // default 50, max 500
}

// Stats are ledger totals.
type Stats struct {
	Generations map[string]int64 `json:"generations"` // by outcome
	Commands    map[string]int64 `json:"commands"`    // by command
	Lines       int64            `json:"lines"`
	Truncated   int64            `json:"truncated"`
}
