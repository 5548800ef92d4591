// ABOUTME: Registry of per-channel actors with startup reconciliation and wipe coordination
// ABOUTME: Routes inbound chat events to the actor that owns their channel

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/deepbot/internal/channel"
	"github.com/2389/deepbot/internal/dedupe"
	"github.com/2389/deepbot/internal/generation"
	"github.com/2389/deepbot/internal/history"
	"github.com/2389/deepbot/internal/message"
)

// DefaultStartupConcurrency bounds concurrent fetches during Start.
const DefaultStartupConcurrency = 4

var (
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("engine is shut down")
	// ErrDuplicate is returned by Dispatch for an event id seen recently.
	ErrDuplicate = errors.New("duplicate event")
	// ErrIgnored is returned by DispatchRaw for events that never enter history.
	ErrIgnored = errors.New("event ignored")
)

// ChannelInfo names a channel known to the gateway.
type ChannelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Directory lists the channels to reconcile at startup.
type Directory interface {
	Channels(ctx context.Context) ([]ChannelInfo, error)
}

// Ledger persists generation outcomes and command runs.
type Ledger interface {
	RecordGeneration(ctx context.Context, channelID string, result channel.GenerationResult) error
	RecordCommand(ctx context.Context, channelID, command string, cmdErr error) error
}

// Metrics receives engine and actor activity.
type Metrics interface {
	channel.Observer
	DuplicateDropped()
	ChannelsActive(n int)
	ReconcileFinished(err error, elapsed time.Duration)
}

// Deps configures an Engine. Client, Reconciler, Normalizer, Outbox,
// Prompts and Settings are required.
type Deps struct {
	Client     generation.Client
	Backend    channel.BackendInfo
	Reconciler *history.Reconciler
	Normalizer *history.Normalizer
	Outbox     channel.Outbox
	Prompts    channel.PromptSource
	Settings   *channel.Settings

	// Optional collaborators.
	Directory   Directory
	Ledger      Ledger
	Metrics     Metrics
	Broadcaster *Broadcaster
	// Dedupe is owned by the engine and closed on Shutdown.
	Dedupe *dedupe.Cache

	StartupConcurrency int
	Logger             *slog.Logger
	Now                func() time.Time
}

// Engine owns every channel actor.
type Engine struct {
	deps   Deps
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*channel.Actor
	closed bool

	ledger     *ledgerWriter
	dispatched atomic.Int64
}

// New creates an engine. Actors run until Shutdown.
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewBroadcaster(deps.Logger)
	}
	if deps.StartupConcurrency < 1 {
		deps.StartupConcurrency = DefaultStartupConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		deps:   deps,
		logger: deps.Logger.With("component", "engine"),
		ctx:    ctx,
		cancel: cancel,
		actors: make(map[string]*channel.Actor),
	}
	if deps.Ledger != nil {
		e.ledger = newLedgerWriter(deps.Ledger, e.logger)
	}
	return e
}

// Broadcaster returns the event fan-out used by the engine.
func (e *Engine) Broadcaster() *Broadcaster {
	return e.deps.Broadcaster
}

// Normalizer returns the normalizer shared by all actors.
func (e *Engine) Normalizer() *history.Normalizer {
	return e.deps.Normalizer
}

// Start reconciles every channel the directory knows about. Fetches run
// concurrently, bounded by StartupConcurrency; each result is applied by the
// owning actor. A failing channel is logged and starts with empty history.
func (e *Engine) Start(ctx context.Context) error {
	if e.deps.Directory == nil {
		return nil
	}
	channels, err := e.deps.Directory.Channels(ctx)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(e.deps.StartupConcurrency)

	var failed atomic.Int64
	limit := e.deps.Settings.Limits().FetchLimit
	for _, info := range channels {
		actor, err := e.Open(info)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := e.reconcile(ctx, actor, limit); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("startup reconciliation finished",
		"channels", len(channels),
		"failed", failed.Load())
	return ctx.Err()
}

// reconcile loads a channel's startup history. Every fetched event id is
// marked in the dedupe cache, so the gateway's first sync can deliver events
// that arrived after the fetch without repeating the ones already loaded.
func (e *Engine) reconcile(ctx context.Context, actor *channel.Actor, limit int) error {
	if limit < 1 {
		return actor.Replace([]message.Record{}, e.deps.Now())
	}
	started := e.deps.Now()
	raw, err := e.deps.Reconciler.Fetch(ctx, actor.ID(), limit)
	e.deps.Metrics.ReconcileFinished(err, e.deps.Now().Sub(started))
	if err != nil {
		e.logger.Warn("startup reconciliation failed", "channel", actor.ID(), "error", err)
		return err
	}
	if e.deps.Dedupe != nil {
		for _, m := range raw {
			if m.ID != "" {
				e.deps.Dedupe.Seen(m.ID)
			}
		}
	}
	records := e.deps.Reconciler.Build(actor.ID(), raw)
	if err := actor.Replace(records, e.deps.Now()); err != nil {
		return err
	}
	e.logger.Debug("channel reconciled", "channel", actor.ID(), "records", len(records))
	return nil
}

// Open returns the actor for info.ID, creating and starting it if needed.
func (e *Engine) Open(info ChannelInfo) (*channel.Actor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if a, ok := e.actors[info.ID]; ok {
		return a, nil
	}

	a := channel.New(info.ID, info.Name, channel.Deps{
		Client:     e.deps.Client,
		Backend:    e.deps.Backend,
		Reconciler: e.deps.Reconciler,
		Normalizer: e.deps.Normalizer,
		Outbox:     e.deps.Outbox,
		Prompts:    e.deps.Prompts,
		Settings:   e.deps.Settings,
		Wiper:      e,
		Observer:   &observer{engine: e},
		Logger:     e.deps.Logger,
		Now:        e.deps.Now,
		NewID:      uuid.NewString,
	})
	e.actors[info.ID] = a
	e.deps.Metrics.ChannelsActive(len(e.actors))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		a.Run(e.ctx)
	}()

	e.logger.Debug("channel actor created", "channel", info.ID, "name", info.Name)
	return a, nil
}

// Actor returns the actor for channelID, creating it on first use.
func (e *Engine) Actor(channelID string) (*channel.Actor, error) {
	return e.Open(ChannelInfo{ID: channelID})
}

// Lookup returns an existing actor without creating one.
func (e *Engine) Lookup(channelID string) (*channel.Actor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actors[channelID]
	return a, ok
}

// Snapshot returns the published state of one channel.
func (e *Engine) Snapshot(channelID string) (channel.Snapshot, bool) {
	a, ok := e.Lookup(channelID)
	if !ok {
		return channel.Snapshot{}, false
	}
	return a.Snapshot(), true
}

// Len returns the number of channels with an actor.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}

// Snapshots returns the published state of every actor, sorted by channel id.
func (e *Engine) Snapshots() []channel.Snapshot {
	e.mu.Lock()
	actors := make([]*channel.Actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	out := make([]channel.Snapshot, 0, len(actors))
	for _, a := range actors {
		out = append(out, a.Snapshot())
	}
	slices.SortFunc(out, func(a, b channel.Snapshot) int {
		return strings.Compare(a.ChannelID, b.ChannelID)
	})
	return out
}

// Dispatch routes a record to its channel's actor. Records whose id was
// dispatched recently are dropped with ErrDuplicate.
func (e *Engine) Dispatch(rec message.Record) error {
	if rec.ChannelID == "" {
		return fmt.Errorf("dispatching %q: missing channel id", rec.ID)
	}
	if rec.ID != "" && e.deps.Dedupe != nil && e.deps.Dedupe.Seen(rec.ID) {
		e.deps.Metrics.DuplicateDropped()
		e.logger.Debug("dropping duplicate event", "channel", rec.ChannelID, "event", rec.ID)
		return ErrDuplicate
	}

	a, err := e.Actor(rec.ChannelID)
	if err != nil {
		return err
	}
	if err := a.Submit(rec); err != nil {
		if errors.Is(err, channel.ErrActorClosed) {
			return ErrClosed
		}
		return err
	}
	e.dispatched.Add(1)
	return nil
}

// DispatchRaw normalizes a gateway message and dispatches it. The bot's own
// messages, notices and empty messages return ErrIgnored.
func (e *Engine) DispatchRaw(raw history.RawMessage) error {
	if e.deps.Normalizer.IsBot(raw.AuthorID) {
		return ErrIgnored
	}
	rec, ok := e.deps.Normalizer.Normalize(raw)
	if !ok {
		return ErrIgnored
	}
	return e.Dispatch(rec)
}

// Inject dispatches a message that did not come from the chat gateway, as
// posted to the operations API. It returns the record that was queued.
func (e *Engine) Inject(channelID, author, content string, directed bool) (message.Record, error) {
	raw := history.RawMessage{
		ID:          "api-" + uuid.NewString(),
		ChannelID:   channelID,
		AuthorID:    "api:" + author,
		Author:      author,
		Content:     content,
		Timestamp:   e.deps.Now(),
		MentionsBot: directed,
	}
	rec, ok := e.deps.Normalizer.Normalize(raw)
	if !ok {
		return message.Record{}, ErrIgnored
	}
	return rec, e.Dispatch(rec)
}

// Dispatched returns how many records have been queued since start.
func (e *Engine) Dispatched() int64 {
	return e.dispatched.Load()
}

// Wipe clears history in every channel other than origin and returns the
// number of channels affected, origin included. The wipe is queued to each
// actor while holding the engine lock, so concurrent wipes reach all actors
// in the same order. An actor that is generating applies it once the
// current generation has finished.
func (e *Engine) Wipe(origin string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 1
	for id, a := range e.actors {
		if id == origin {
			continue
		}
		if err := a.Wipe(); err != nil {
			e.logger.Debug("wipe not delivered", "channel", id, "error", err)
			continue
		}
		n++
	}
	e.logger.Info("memory wiped", "origin", origin, "channels", n)
	return n
}

// Shutdown cancels every actor and waits for them to exit or for ctx to
// expire. In-flight generations end with a shutdown failure.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.logger.Info("shutting down engine")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for channel actors: %w", ctx.Err())
	}

	if e.ledger != nil {
		e.ledger.close()
	}
	if e.deps.Dedupe != nil {
		e.deps.Dedupe.Close()
	}
	e.deps.Broadcaster.Close()
	return err
}
