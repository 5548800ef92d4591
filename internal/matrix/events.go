// ABOUTME: Conversion between Matrix events and engine messages
// ABOUTME: Maps m.room.message to RawMessage and renders outgoing text as m.text or m.notice

package matrix

import (
	"bytes"
	"slices"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/util"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/deepbot/internal/channel"
	"github.com/2389/deepbot/internal/history"
)

// toRawMessage converts a parsed m.room.message event. Edits, media and
// other message types are dropped. Notices are kept and flagged so the
// normalizer can exclude them from history.
func toRawMessage(evt *event.Event, self id.UserID) (history.RawMessage, bool) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return history.RawMessage{}, false
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
	default:
		return history.RawMessage{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return history.RawMessage{}, false
	}

	raw := history.RawMessage{
		ID:        evt.ID.String(),
		ChannelID: evt.RoomID.String(),
		AuthorID:  evt.Sender.String(),
		Author:    displayName(evt.Sender),
		Content:   content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp),
		Notice:    content.MsgType == event.MsgNotice,
	}
	if content.Mentions != nil && slices.Contains(content.Mentions.UserIDs, self) {
		raw.MentionsBot = true
	}
	return raw, true
}

// displayName returns the localpart of a user id ("@alice:example.org" is
// "alice"), or the whole id when it does not parse.
func displayName(userID id.UserID) string {
	localpart, _, err := userID.Parse()
	if err != nil || localpart == "" {
		return userID.String()
	}
	return localpart
}

// renderOutgoing builds the event content for an outgoing message. Replies
// are m.text with Markdown rendered into formatted_body when it adds any
// formatting; notices and errors are plain m.notice.
func renderOutgoing(md goldmark.Markdown, msg channel.Outgoing) *event.MessageEventContent {
	if msg.Kind != channel.KindReply {
		return &event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    msg.Text,
		}
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Text,
	}
	if formatted, ok := renderMarkdown(md, msg.Text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	return content
}

// renderMarkdown converts text to HTML. The boolean is false when the
// result is just the escaped text in a paragraph.
func renderMarkdown(md goldmark.Markdown, text string) (string, bool) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	rendered := strings.TrimSpace(buf.String())
	plain := "<p>" + string(util.EscapeHTML([]byte(text))) + "</p>"
	if rendered == "" || rendered == plain {
		return "", false
	}
	return rendered, true
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
