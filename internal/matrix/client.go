// ABOUTME: Matrix adapter for the conversation engine
// ABOUTME: Lists rooms, fetches recent history, sends lines and notices, and runs the sync loop

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/deepbot/internal/channel"
	"github.com/2389/deepbot/internal/config"
	"github.com/2389/deepbot/internal/conversation"
	"github.com/2389/deepbot/internal/history"
)

// typingTimeout is the duration the typing indicator shows (30 seconds).
const typingTimeout = 30 * time.Second

// networkTimeout is the timeout for Matrix API calls.
const networkTimeout = 10 * time.Second

// sendTimeout bounds a single message send.
const sendTimeout = 30 * time.Second

// startupGrace is how far before the client was created a synced event may
// be and still be dispatched. Older events belong to the startup history.
const startupGrace = time.Minute

// Dispatcher receives live messages from the sync loop.
type Dispatcher interface {
	DispatchRaw(raw history.RawMessage) error
}

// Client connects deepbot to a Matrix homeserver. It is the engine's
// history source, outbox and channel directory.
type Client struct {
	cfg      config.MatrixConfig
	matrix   *mautrix.Client
	userID   id.UserID
	markdown goldmark.Markdown
	crypto   *CryptoManager
	logger   *slog.Logger

	// startedAt bounds which synced events are new; see startupGrace.
	startedAt time.Time
}

// New creates a client from the matrix config section. It does not
// contact the homeserver.
func New(cfg config.MatrixConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Client{
		cfg:       cfg,
		matrix:    cli,
		userID:    id.UserID(cfg.UserID),
		markdown:  goldmark.New(),
		logger:    logger.With("component", "matrix"),
		startedAt: time.Now(),
	}, nil
}

// UserID returns the bot's Matrix user id.
func (c *Client) UserID() string {
	return c.userID.String()
}

// EnableEncryption looks up the device id and sets up the crypto store in
// dataDir. Incoming encrypted events are decrypted by the sync loop and by
// FetchRecent from then on.
func (c *Client) EnableEncryption(ctx context.Context, dataDir string) error {
	whoami, err := c.matrix.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("looking up device id: %w", err)
	}
	c.matrix.DeviceID = whoami.DeviceID

	crypto, err := SetupCrypto(ctx, c.matrix, c.cfg.UserID, c.cfg.RecoveryKey, dataDir, c.logger)
	if err != nil {
		return err
	}
	c.crypto = crypto
	return nil
}

// Channels lists joined rooms, restricted to allowed_rooms when set.
func (c *Client) Channels(ctx context.Context) ([]conversation.ChannelInfo, error) {
	resp, err := c.matrix.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing joined rooms: %w", err)
	}

	var out []conversation.ChannelInfo
	for _, roomID := range resp.JoinedRooms {
		if !c.isRoomAllowed(roomID.String()) {
			continue
		}
		out = append(out, conversation.ChannelInfo{
			ID:   roomID.String(),
			Name: c.roomName(ctx, roomID),
		})
	}
	c.logger.Debug("listed rooms", "joined", len(resp.JoinedRooms), "allowed", len(out))
	return out, nil
}

// roomName returns the room's m.room.name, or "" when it has none.
func (c *Client) roomName(ctx context.Context, roomID id.RoomID) string {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	var content event.RoomNameEventContent
	if err := c.matrix.StateEvent(ctx, roomID, event.StateRoomName, "", &content); err != nil {
		c.logger.Debug("no room name", "room", roomID.String(), "error", err)
		return ""
	}
	return content.Name
}

// FetchRecent returns up to limit of the room's newest messages, newest
// first. Events that are not text messages are skipped but count toward
// the limit, as the homeserver pages by event.
func (c *Client) FetchRecent(ctx context.Context, channelID string, limit int) ([]history.RawMessage, error) {
	roomID := id.RoomID(channelID)
	resp, err := c.matrix.Messages(ctx, roomID, "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching messages for %s: %w", channelID, err)
	}

	out := make([]history.RawMessage, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		if evt.RoomID == "" {
			evt.RoomID = roomID
		}
		evt = c.decode(ctx, evt)
		if evt == nil {
			continue
		}
		if raw, ok := toRawMessage(evt, c.userID); ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

// decode parses the event content, decrypting it first when possible.
// Returns nil for events that cannot be read.
func (c *Client) decode(ctx context.Context, evt *event.Event) *event.Event {
	// /messages does not tag the type class, and content types are keyed by it.
	if evt.Type.Class == event.UnknownEventType {
		evt.Type.Class = event.MessageEventType
		if evt.StateKey != nil {
			evt.Type.Class = event.StateEventType
		}
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return nil
		}
	}
	if evt.Type != event.EventEncrypted {
		return evt
	}
	if c.matrix.Crypto == nil {
		return nil
	}
	decrypted, err := c.matrix.Crypto.Decrypt(ctx, evt)
	if err != nil {
		c.logger.Debug("could not decrypt history event", "room", evt.RoomID.String(), "event", evt.ID.String(), "error", err)
		return nil
	}
	return decrypted
}

// Send delivers one line, notice or error to a room.
func (c *Client) Send(ctx context.Context, channelID string, msg channel.Outgoing) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	content := renderOutgoing(c.markdown, msg)
	if _, err := c.matrix.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", channelID, err)
	}
	return nil
}

// SetTyping toggles the typing indicator when typing_indicator is enabled.
func (c *Client) SetTyping(ctx context.Context, channelID string, typing bool) error {
	if !c.cfg.TypingIndicator {
		return nil
	}
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := c.matrix.UserTyping(ctx, id.RoomID(channelID), typing, timeout); err != nil {
		return fmt.Errorf("setting typing in %s: %w", channelID, err)
	}
	return nil
}

// Run syncs with the homeserver and hands live messages to d until ctx is
// cancelled. The initial sync is processed too, so messages sent between the
// startup FetchRecent and the first sync are not lost; the engine drops the
// ones it already loaded by event id.
func (c *Client) Run(ctx context.Context, d Dispatcher) error {
	c.logger.Info("starting matrix sync",
		"homeserver", c.cfg.Homeserver,
		"user_id", c.cfg.UserID,
		"encryption", c.crypto != nil,
	)

	syncer, ok := c.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", c.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		c.handleMessageEvent(evt, d)
	})

	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- c.matrix.SyncWithContext(syncCtx)
	}()

	select {
	case <-ctx.Done():
		c.logger.Info("stopping matrix sync")
		cancel()
		<-syncErr
		return nil
	case err := <-syncErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (c *Client) handleMessageEvent(evt *event.Event, d Dispatcher) {
	if evt.Sender == c.userID {
		return
	}
	roomID := evt.RoomID.String()
	if !c.isRoomAllowed(roomID) {
		c.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	if time.UnixMilli(evt.Timestamp).Before(c.startedAt.Add(-startupGrace)) {
		c.logger.Debug("ignoring message from before startup", "room", roomID, "event", evt.ID.String())
		return
	}

	raw, ok := toRawMessage(evt, c.userID)
	if !ok {
		return
	}

	c.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(raw.Content, 50),
	)

	switch err := d.DispatchRaw(raw); {
	case err == nil:
	case errors.Is(err, conversation.ErrIgnored), errors.Is(err, conversation.ErrDuplicate):
		c.logger.Debug("message not dispatched", "room", roomID, "event", raw.ID, "reason", err)
	default:
		c.logger.Error("dispatching message", "room", roomID, "event", raw.ID, "error", err)
	}
}

// isRoomAllowed checks if the room is in the allowed list.
func (c *Client) isRoomAllowed(roomID string) bool {
	if len(c.cfg.AllowedRooms) == 0 {
		return true // Allow all if no filter
	}
	return slices.Contains(c.cfg.AllowedRooms, roomID)
}

// Close stops syncing and releases the crypto store.
func (c *Client) Close() error {
	c.matrix.StopSync()
	if c.crypto != nil {
		return c.crypto.Close()
	}
	return nil
}
