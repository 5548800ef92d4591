// ABOUTME: Message record value type and role enum for channel history
// ABOUTME: Records are immutable once built and ordered by timestamp

package message

import (
	"fmt"
	"time"
)

// Role identifies who a record speaks for in a generation request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Record is a single chat message as the engine sees it.
type Record struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channel_id"`
	Author        string    `json:"author"`
	AuthorID      string    `json:"author_id"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	Role          Role      `json:"role"`
	DirectedAtBot bool      `json:"directed_at_bot"`

	// Truncated marks assistant text cut short by a failed generation.
	Truncated bool `json:"truncated,omitempty"`
}

// Before orders records by timestamp.
func (r Record) Before(other Record) bool {
	return r.Timestamp.Before(other.Timestamp)
}

// String renders the record the way the history command lists it.
func (r Record) String() string {
	suffix := ""
	if r.Truncated {
		suffix = " [truncated]"
	}
	return fmt.Sprintf("[%s] %s: %s%s", r.Role, r.Author, r.Content, suffix)
}
