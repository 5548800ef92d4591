// ABOUTME: Fans actor activity out to the broadcaster, metrics and the ledger
// ABOUTME: Ledger writes are queued to a single goroutine so actors never wait on disk

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/deepbot/internal/channel"
)

const (
	ledgerQueueSize    = 256
	ledgerWriteTimeout = 5 * time.Second
)

// observer is the channel.Observer every actor of an engine shares.
type observer struct {
	engine *Engine
}

func (o *observer) LineEmitted(channelID, line string) {
	o.engine.deps.Metrics.LineEmitted(channelID, line)
	o.engine.deps.Broadcaster.Publish(Event{
		Kind:      EventLine,
		ChannelID: channelID,
		Text:      line,
	})
}

func (o *observer) GenerationFinished(channelID string, result channel.GenerationResult) {
	o.engine.deps.Metrics.GenerationFinished(channelID, result)

	ev := Event{
		Kind:         EventDone,
		ChannelID:    channelID,
		GenerationID: result.ID,
		Outcome:      result.Outcome(),
		Lines:        result.Lines,
		Truncated:    result.Truncated,
		Time:         result.Finished,
	}
	if result.Err != nil {
		ev.Kind = EventError
		ev.Text = result.Err.Error()
	}
	o.engine.deps.Broadcaster.Publish(ev)

	if o.engine.ledger != nil {
		o.engine.ledger.enqueue(func(ctx context.Context, l Ledger) error {
			return l.RecordGeneration(ctx, channelID, result)
		})
	}
}

func (o *observer) CommandExecuted(channelID, command string, err error) {
	o.engine.deps.Metrics.CommandExecuted(channelID, command, err)

	ev := Event{Kind: EventCommand, ChannelID: channelID, Text: command, Outcome: "success"}
	if err != nil {
		ev.Outcome = "failure"
	}
	o.engine.deps.Broadcaster.Publish(ev)

	if o.engine.ledger != nil {
		o.engine.ledger.enqueue(func(ctx context.Context, l Ledger) error {
			return l.RecordCommand(ctx, channelID, command, err)
		})
	}
}

type ledgerWrite func(ctx context.Context, l Ledger) error

// ledgerWriter serializes ledger writes on one goroutine. Writes that do not
// fit in the queue are dropped with a warning.
type ledgerWriter struct {
	ledger Ledger
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan ledgerWrite
	done   chan struct{}
}

func newLedgerWriter(l Ledger, logger *slog.Logger) *ledgerWriter {
	w := &ledgerWriter{
		ledger: l,
		logger: logger,
		queue:  make(chan ledgerWrite, ledgerQueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *ledgerWriter) enqueue(fn ledgerWrite) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- fn:
	default:
		w.logger.Warn("ledger queue full, dropping write")
	}
}

func (w *ledgerWriter) run() {
	defer close(w.done)
	for fn := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
		if err := fn(ctx, w.ledger); err != nil {
			w.logger.Warn("ledger write failed", "error", err)
		}
		cancel()
	}
}

// close drains queued writes and stops the writer.
func (w *ledgerWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

type nopMetrics struct{}

func (nopMetrics) LineEmitted(string, string)                          {}
func (nopMetrics) GenerationFinished(string, channel.GenerationResult) {}
func (nopMetrics) CommandExecuted(string, string, error)               {}
func (nopMetrics) DuplicateDropped()                                   {}
func (nopMetrics) ChannelsActive(int)                                  {}
func (nopMetrics) ReconcileFinished(error, time.Duration)              {}
