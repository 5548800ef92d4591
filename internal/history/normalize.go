// ABOUTME: Converts raw upstream messages into history records
// ABOUTME: Decides roles from the bot identity and detects mentions of the bot

package history

import (
	"cmp"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/2389/deepbot/internal/message"
)

// RawMessage is a message as delivered or fetched from the chat gateway.
type RawMessage struct {
	ID        string
	ChannelID string
	AuthorID  string
	Author    string
	Content   string
	Timestamp time.Time

	// MentionsBot is set when the gateway itself flagged a mention.
	MentionsBot bool
	// Notice marks automated bot output such as command replies.
	Notice bool
}

// Identity describes how the bot appears in a channel.
type Identity struct {
	// UserID is compared against RawMessage.AuthorID to find the bot's own messages.
	UserID string
	// Names are the strings users type to address the bot.
	Names []string
}

// Normalizer turns raw messages into records for one bot identity.
type Normalizer struct {
	identity Identity
	names    []string
}

// NewNormalizer builds a normalizer. Names are matched case-insensitively,
// longest first, so a full user id wins over its localpart.
func NewNormalizer(identity Identity) *Normalizer {
	names := make([]string, 0, len(identity.Names)+1)
	if identity.UserID != "" {
		names = append(names, identity.UserID)
	}
	for _, n := range identity.Names {
		if n = strings.TrimSpace(n); n != "" && !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	slices.SortStableFunc(names, func(a, b string) int {
		return cmp.Compare(len(b), len(a))
	})
	return &Normalizer{identity: identity, names: names}
}

// Identity returns the identity the normalizer was built with.
func (n *Normalizer) Identity() Identity {
	return n.identity
}

// IsBot reports whether authorID is the bot itself.
func (n *Normalizer) IsBot(authorID string) bool {
	return n.identity.UserID != "" && authorID == n.identity.UserID
}

// Normalize converts raw into a record. The second result is false for
// messages that should never enter history: empty ones and bot notices.
func (n *Normalizer) Normalize(raw RawMessage) (message.Record, bool) {
	if strings.TrimSpace(raw.Content) == "" || raw.Notice {
		return message.Record{}, false
	}

	role := message.RoleUser
	if n.IsBot(raw.AuthorID) {
		role = message.RoleAssistant
	}
	author := raw.Author
	if author == "" {
		author = raw.AuthorID
	}

	return message.Record{
		ID:            raw.ID,
		ChannelID:     raw.ChannelID,
		Author:        author,
		AuthorID:      raw.AuthorID,
		Content:       raw.Content,
		Timestamp:     raw.Timestamp,
		Role:          role,
		DirectedAtBot: role == message.RoleAssistant || raw.MentionsBot || n.Mentions(raw.Content),
	}, true
}

// Mentions reports whether content names the bot as a whole word.
func (n *Normalizer) Mentions(content string) bool {
	lower := strings.ToLower(content)
	for _, name := range n.names {
		needle := strings.ToLower(name)
		for from := 0; from < len(lower); {
			i := strings.Index(lower[from:], needle)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(needle)
			if wordBoundary(lower, start, end) {
				return true
			}
			from = start + 1
		}
	}
	return false
}

// StripMention removes a leading mention of the bot from content along with
// the separator that usually follows it ("deepbot: reset", "@deepbot, reset").
// A leading "@" before a bare name is accepted. The boolean reports whether a
// mention was found.
func (n *Normalizer) StripMention(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if rest, ok := n.cutName(trimmed); ok {
		return trimSeparator(rest), true
	}
	if at, ok := strings.CutPrefix(trimmed, "@"); ok {
		rest, ok := n.cutName(at)
		// "@deepbot:other.org" is somebody else's user id.
		if ok && !hasServerPart(rest) {
			return trimSeparator(rest), true
		}
	}
	return trimmed, false
}

// cutName returns what follows a bot name at the start of s.
func (n *Normalizer) cutName(s string) (string, bool) {
	lower := strings.ToLower(s)
	for _, name := range n.names {
		needle := strings.ToLower(name)
		if strings.HasPrefix(lower, needle) && wordBoundary(lower, 0, len(needle)) {
			return s[len(needle):], true
		}
	}
	return "", false
}

func trimSeparator(rest string) string {
	return strings.TrimSpace(strings.TrimLeft(rest, ":,"))
}

func hasServerPart(rest string) bool {
	after, ok := strings.CutPrefix(rest, ":")
	if !ok || after == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(after)
	return !unicode.IsSpace(r)
}

func wordBoundary(s string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// DisplayName is the author name used on records the bot writes itself.
func (i Identity) DisplayName() string {
	for _, n := range i.Names {
		if n = strings.TrimSpace(n); n != "" {
			return n
		}
	}
	return i.UserID
}
