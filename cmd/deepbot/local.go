// ABOUTME: Stand-ins used when no chat gateway is configured
// ABOUTME: An outbox that logs what would be sent and a history source with no messages

package main

import (
	"context"
	"log/slog"

	"github.com/2389/deepbot/internal/channel"
	"github.com/2389/deepbot/internal/history"
)

// logOutbox logs outgoing messages. Operators follow them through the
// API's stream endpoint.
type logOutbox struct {
	logger *slog.Logger
}

func newLogOutbox(logger *slog.Logger) *logOutbox {
	return &logOutbox{logger: logger.With("component", "outbox")}
}

func (o *logOutbox) Send(_ context.Context, channelID string, msg channel.Outgoing) error {
	o.logger.Info("outgoing", "channel", channelID, "kind", msg.Kind, "text", msg.Text)
	return nil
}

func (o *logOutbox) SetTyping(context.Context, string, bool) error { return nil }

// emptySource has no upstream history.
type emptySource struct{}

func (emptySource) FetchRecent(context.Context, string, int) ([]history.RawMessage, error) {
	return nil, nil
}
