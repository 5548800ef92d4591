// ABOUTME: Generation step of the channel actor
// ABOUTME: Streams backend fragments through the line accumulator and records the reply

package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/deepbot/internal/lines"
	"github.com/2389/deepbot/internal/message"
)

// truncationNotice is sent when max_response_lines withheld output.
const truncationNotice = "Response truncated due to length limit."

func (a *Actor) generate(ctx context.Context, trigger message.Record) {
	genCtx, cancel := context.WithCancelCause(ctx)
	a.genMu.Lock()
	a.genCancel = cancel
	a.genMu.Unlock()
	defer func() {
		a.genMu.Lock()
		a.genCancel = nil
		a.genMu.Unlock()
		cancel(nil)
	}()

	a.current.Store(Generating)
	a.publish()
	defer a.current.Store(Idle)

	result := GenerationResult{
		ID:        a.deps.NewID(),
		TriggerID: trigger.ID,
		Backend:   a.deps.Client.Name(),
		Started:   a.deps.Now(),
	}
	a.logger.Info("generating reply", "trigger", trigger.ID, "backend", result.Backend)

	a.setTyping(ctx, true)
	defer a.setTyping(ctx, false)

	acc := lines.New(lines.SinkFunc(func(line string) {
		a.deps.Observer.LineEmitted(a.state.ChannelID, line)
		text := strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(text) == "" {
			return
		}
		a.send(ctx, KindReply, text)
	}), lines.WithMaxLines(a.deps.Settings.Limits().MaxResponseLines))

	var genErr error
	var done bool
	for ev := range a.deps.Client.Generate(genCtx, a.buildRequest()) {
		switch {
		case ev.Err != nil:
			genErr = ev.Err
		case ev.Done:
			done = true
		default:
			if err := acc.Feed(ev.Text); err != nil {
				a.logger.Error("feeding accumulator", "error", err)
			}
		}
	}
	if genErr == nil && !done {
		genErr = cancellationCause(ctx, genCtx)
	}

	outcome := lines.Success
	if genErr != nil {
		outcome = lines.Failure
	}
	acc.Finish(outcome)

	text := strings.TrimSpace(acc.Text())
	if text != "" {
		a.state.Store.Append(a.assistantRecord(result.ID, text, genErr != nil))
	}
	a.generations.Add(1)

	if acc.Truncated() {
		a.send(ctx, KindNotice, truncationNotice)
	}
	switch {
	case genErr == nil:
	case errors.Is(genErr, ErrStopped), errors.Is(genErr, ErrShutdown):
		a.logger.Info("generation cancelled", "reason", genErr)
	default:
		a.logger.Warn("generation failed", "error", genErr)
		a.send(ctx, KindError, fmt.Sprintf("Generation failed: %v", genErr))
	}

	result.Lines = acc.Emitted()
	result.Chars = len(text)
	result.Truncated = acc.Truncated() || (genErr != nil && text != "")
	result.Err = genErr
	result.Finished = a.deps.Now()
	a.deps.Observer.GenerationFinished(a.state.ChannelID, result)
}

// cancellationCause explains a stream that closed without a terminal event.
func cancellationCause(parent, genCtx context.Context) error {
	if parent.Err() != nil {
		return ErrShutdown
	}
	if cause := context.Cause(genCtx); cause != nil {
		return cause
	}
	return ErrStopped
}

func (a *Actor) assistantRecord(id, text string, truncated bool) message.Record {
	identity := a.deps.Normalizer.Identity()
	ts := a.deps.Now()
	if newest, ok := a.state.Store.Newest(); ok && ts.Before(newest.Timestamp) {
		ts = newest.Timestamp
	}
	return message.Record{
		ID:            id,
		ChannelID:     a.state.ChannelID,
		Author:        identity.DisplayName(),
		AuthorID:      identity.UserID,
		Content:       text,
		Timestamp:     ts,
		Role:          message.RoleAssistant,
		DirectedAtBot: true,
		Truncated:     truncated,
	}
}
