// ABOUTME: In-memory fan-out of channel activity for live observers
// ABOUTME: Publishes emitted lines and generation outcomes to per-channel subscribers

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// AllChannels subscribes to events from every channel.
const AllChannels = ""

// EventKind identifies a broadcast event.
type EventKind string

const (
	EventLine    EventKind = "line"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
	EventCommand EventKind = "command"
)

// Event is one piece of channel activity.
type Event struct {
	Kind         EventKind `json:"kind"`
	ChannelID    string    `json:"channel_id"`
	GenerationID string    `json:"generation_id,omitempty"`
	Text         string    `json:"text,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	Lines        int       `json:"lines,omitempty"`
	Truncated    bool      `json:"truncated,omitempty"`
	Time         time.Time `json:"time"`
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Broadcaster provides non-blocking pub/sub for channel events. Slow
// subscribers lose events rather than stalling the actor that published them.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // channelID -> subID -> sub
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events on channelID, or on every channel when
// channelID is AllChannels. The returned channel is closed on Unsubscribe,
// on Close, or when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, channelID string) (<-chan Event, string) {
	subID := uuid.NewString()
	sub := &subscriber{
		ch:   make(chan Event, subscriberBufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	if _, ok := b.subscribers[channelID]; !ok {
		b.subscribers[channelID] = make(map[string]*subscriber)
	}
	b.subscribers[channelID][subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "channel", channelID, "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(channelID, subID)
		case <-sub.done:
		}
	}()

	return sub.ch, subID
}

// Publish delivers ev to subscribers of ev.ChannelID and of AllChannels.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{ev.ChannelID, AllChannels} {
		for subID, sub := range b.subscribers[key] {
			select {
			case sub.ch <- ev:
			default:
				b.logger.Debug("dropped event for slow subscriber",
					"channel", ev.ChannelID,
					"sub_id", subID,
					"kind", ev.Kind)
			}
		}
		if ev.ChannelID == AllChannels {
			break
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(channelID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[channelID]
	if !ok {
		return
	}
	sub, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(sub.done)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.subscribers, channelID)
	}

	b.logger.Debug("subscriber removed", "channel", channelID, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channelID, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.done)
			close(sub.ch)
		}
		delete(b.subscribers, channelID)
	}
	b.closed = true
	b.logger.Debug("broadcaster closed")
}
