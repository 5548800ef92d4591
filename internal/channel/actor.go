// ABOUTME: Per-channel actor that serializes history mutations, commands and generation
// ABOUTME: Drains an unbounded FIFO mailbox and publishes read-only snapshots

package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/deepbot/internal/generation"
	"github.com/2389/deepbot/internal/history"
	"github.com/2389/deepbot/internal/message"
	"github.com/2389/deepbot/internal/prompt"
)

// sendTimeout bounds a single Outbox call. Sends are detached from the actor
// context so output already produced still reaches the channel at shutdown.
const sendTimeout = 30 * time.Second

var (
	// ErrStopped is the generation error after a stop command.
	ErrStopped = errors.New("generation stopped")
	// ErrShutdown is the generation error when the process is shutting down.
	ErrShutdown = errors.New("shutting down")
	// ErrActorClosed is returned when submitting to an actor that has exited.
	ErrActorClosed = errors.New("channel actor closed")
)

func isCancellation(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, ErrShutdown)
}

// State is the actor state.
type State string

const (
	Idle       State = "idle"
	Generating State = "generating"
)

// PromptSource supplies the default system prompt.
type PromptSource interface {
	Text() string
	MaxLines() int
}

// PromptEditor is a PromptSource whose shared text can be edited from chat.
// Counts are the prompt's line count after the edit; removed lists lines
// dropped to stay within the line cap.
type PromptEditor interface {
	AddLine(line string) (lines int, removed []string, err error)
	RemoveLine(line string) (lines int, err error)
	Trim() (lines int, removed []string, err error)
}

// BackendInfo describes the generation backend for the info command.
type BackendInfo struct {
	Name     string
	Model    string
	Endpoint string
}

// Deps are the collaborators an actor needs. Client, Reconciler, Normalizer,
// Outbox, Prompts and Settings are required.
type Deps struct {
	Client     generation.Client
	Backend    BackendInfo
	Reconciler *history.Reconciler
	Normalizer *history.Normalizer
	Outbox     Outbox
	Prompts    PromptSource
	Settings   *Settings
	Wiper      Wiper
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

// Context is the state a single actor owns.
type Context struct {
	ChannelID            string
	ChannelName          string
	Store                *history.Store
	SystemPromptOverride string
	LastReconciledAt     time.Time
}

// Snapshot is a read-only copy of an actor's state.
type Snapshot struct {
	ChannelID        string           `json:"channel_id"`
	ChannelName      string           `json:"channel_name"`
	State            State            `json:"state"`
	Records          []message.Record `json:"records"`
	PromptOverride   string           `json:"prompt_override,omitempty"`
	LastReconciledAt time.Time        `json:"last_reconciled_at"`
	Pending          int              `json:"pending"`
	Generations      int              `json:"generations"`
}

type opKind int

const (
	opMessage opKind = iota
	opReplace
	opWipe
	opFlush
)

type op struct {
	seq     uint64
	kind    opKind
	record  message.Record
	records []message.Record
	at      time.Time
	ack     chan struct{}
}

// Actor serializes all work for one channel.
type Actor struct {
	deps   Deps
	logger *slog.Logger
	state  *Context

	mu     sync.Mutex
	queue  []op
	seq    uint64
	closed bool
	wake   chan struct{}
	done   chan struct{}

	stopSeq     atomic.Uint64
	genMu       sync.Mutex
	genCancel   context.CancelCauseFunc
	current     atomic.Value
	generations atomic.Int64
	snapshot    atomic.Pointer[Snapshot]
}

// New creates an actor for channelID. Call Run to start it.
func New(channelID, channelName string, deps Deps) *Actor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return "" }
	}
	if channelName == "" {
		channelName = channelID
	}

	a := &Actor{
		deps:   deps,
		logger: deps.Logger.With("component", "channel", "channel", channelID),
		state: &Context{
			ChannelID:   channelID,
			ChannelName: channelName,
			Store:       history.NewStore(deps.Settings.Limits().MaxHistory),
		},
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	a.current.Store(Idle)
	a.publish()
	return a
}

// ID returns the channel id.
func (a *Actor) ID() string {
	return a.state.ChannelID
}

// Done is closed when Run returns.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Submit queues a message. A stop command also takes effect immediately.
func (a *Actor) Submit(rec message.Record) error {
	if cmd, ok := ParseCommand(a.deps.Normalizer, rec); ok && cmd.Name == "stop" {
		return a.enqueueWith(op{kind: opMessage, record: rec}, a.interrupt)
	}
	return a.enqueue(op{kind: opMessage, record: rec})
}

// Replace queues a full history replacement, as produced by reconciliation.
func (a *Actor) Replace(records []message.Record, reconciledAt time.Time) error {
	return a.enqueue(op{kind: opReplace, records: records, at: reconciledAt})
}

// Wipe queues a history reset issued by another channel.
func (a *Actor) Wipe() error {
	return a.enqueue(op{kind: opWipe})
}

// Flush waits until everything queued before it has been processed.
func (a *Actor) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	if err := a.enqueue(op{kind: opFlush, ack: ack}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-a.done:
		return ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest published state.
func (a *Actor) Snapshot() Snapshot {
	s := *a.snapshot.Load()
	a.mu.Lock()
	s.Pending = len(a.queue)
	a.mu.Unlock()
	return s
}

func (a *Actor) enqueue(o op) error {
	return a.enqueueWith(o, nil)
}

// enqueueWith assigns the next sequence number and runs fn with it before
// the op becomes visible to the loop.
func (a *Actor) enqueueWith(o op, fn func(seq uint64)) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrActorClosed
	}
	a.seq++
	o.seq = a.seq
	if fn != nil {
		fn(o.seq)
	}
	a.queue = append(a.queue, o)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// interrupt cancels the running generation and suppresses generation for
// every message queued before seq.
func (a *Actor) interrupt(seq uint64) {
	a.stopSeq.Store(seq)
	a.genMu.Lock()
	if a.genCancel != nil {
		a.genCancel(ErrStopped)
	}
	a.genMu.Unlock()
}

// Run processes the mailbox until ctx is cancelled. Pending operations are
// dropped at that point and a running generation is cancelled.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	defer func() {
		a.mu.Lock()
		a.closed = true
		a.queue = nil
		a.mu.Unlock()
	}()

	a.logger.Debug("channel actor started")
	for {
		o, ok := a.next(ctx)
		if !ok {
			a.logger.Debug("channel actor stopped")
			return
		}
		a.handle(ctx, o)
		a.publish()
	}
}

func (a *Actor) next(ctx context.Context) (op, bool) {
	for {
		if ctx.Err() != nil {
			return op{}, false
		}
		a.mu.Lock()
		if len(a.queue) > 0 {
			o := a.queue[0]
			a.queue[0] = op{}
			a.queue = a.queue[1:]
			a.mu.Unlock()
			return o, true
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return op{}, false
		case <-a.wake:
		}
	}
}

func (a *Actor) handle(ctx context.Context, o op) {
	switch o.kind {
	case opFlush:
		close(o.ack)
	case opWipe:
		a.state.Store.Reset()
		a.logger.Info("history wiped")
	case opReplace:
		a.state.Store.Replace(o.records)
		a.state.LastReconciledAt = o.at
		a.logger.Debug("history replaced", "records", a.state.Store.Len())
	case opMessage:
		a.handleMessage(ctx, o)
	}
}

func (a *Actor) handleMessage(ctx context.Context, o op) {
	rec := o.record
	if cmd, ok := ParseCommand(a.deps.Normalizer, rec); ok {
		a.runCommand(ctx, cmd)
		return
	}

	a.state.Store.Append(rec)
	if !rec.DirectedAtBot || rec.Role != message.RoleUser {
		return
	}
	if o.seq <= a.stopSeq.Load() {
		a.logger.Debug("skipping generation after stop", "message", rec.ID)
		return
	}
	a.generate(ctx, rec)
}

// effectivePrompt returns the override or the default prompt, unrendered.
func (a *Actor) effectivePrompt() string {
	if a.state.SystemPromptOverride != "" {
		return a.state.SystemPromptOverride
	}
	return a.deps.Prompts.Text()
}

func (a *Actor) buildRequest() *generation.Request {
	systemPrompt := prompt.Render(a.effectivePrompt(), a.state.ChannelName, a.deps.Now())
	window := a.state.Store.Window(systemPrompt)
	return generation.NewRequest(window, a.deps.Settings.Sampling())
}

func (a *Actor) send(ctx context.Context, kind Kind, text string) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := a.deps.Outbox.Send(sendCtx, a.state.ChannelID, Outgoing{Kind: kind, Text: text}); err != nil {
		a.logger.Warn("sending to channel failed", "kind", kind, "error", err)
	}
}

func (a *Actor) setTyping(ctx context.Context, typing bool) {
	typingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.deps.Outbox.SetTyping(typingCtx, a.state.ChannelID, typing); err != nil {
		a.logger.Debug("typing indicator failed", "error", err)
	}
}

func (a *Actor) publish() {
	s := &Snapshot{
		ChannelID:        a.state.ChannelID,
		ChannelName:      a.state.ChannelName,
		State:            a.current.Load().(State),
		Records:          a.state.Store.Records(),
		PromptOverride:   a.state.SystemPromptOverride,
		LastReconciledAt: a.state.LastReconciledAt,
		Generations:      int(a.generations.Load()),
	}
	a.snapshot.Store(s)
}
