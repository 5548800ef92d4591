// ABOUTME: Command parsing and execution for channel actors
// ABOUTME: Maps mention-prefixed command words to operations on the channel context

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/2389/deepbot/internal/history"
	"github.com/2389/deepbot/internal/message"
)

// historyPreview bounds each entry in the history listing.
const historyPreview = 200

// Command is a parsed bot command.
type Command struct {
	Name string
	Args string
}

// CommandError reports malformed command arguments.
type CommandError struct {
	Command string
	Usage   string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (usage: %s)", e.Command, e.Err, e.Usage)
	}
	return fmt.Sprintf("%s: usage: %s", e.Command, e.Usage)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type commandSpec struct {
	usage string
	help  string
	run   func(a *Actor, ctx context.Context, args string) (string, error)
}

var commandTable map[string]commandSpec

// aliases map alternative spellings onto commandTable keys.
var aliases = map[string]string{
	"help":   "commands",
	"shutup": "stop",
}

func init() {
	commandTable = map[string]commandSpec{
		"reset":    {"reset", "clear this channel's history", (*Actor).cmdReset},
		"refresh":  {"refresh", "rebuild history from the server", (*Actor).cmdRefresh},
		"history":  {"history", "list stored messages", (*Actor).cmdHistory},
		"raw":      {"raw", "show the next generation request", (*Actor).cmdRaw},
		"wipe":     {"wipe", "clear history in every channel", (*Actor).cmdWipe},
		"prompt":   {"prompt [text | reset | add <line> | remove <line> | trim]", "show or override this channel's prompt, or edit the shared one", (*Actor).cmdPrompt},
		"info":     {"info", "show backend and limits", (*Actor).cmdInfo},
		"debug":    {"debug", "compare server messages with stored history", (*Actor).cmdDebug},
		"options":  {"options [get <name> | set <name> <value>]", "show or change sampling options", (*Actor).cmdOptions},
		"stop":     {"stop", "cancel the reply in progress", (*Actor).cmdStop},
		"commands": {"commands", "list commands", (*Actor).cmdCommands},
	}
}

// ParseCommand recognizes a command in a message addressed to the bot.
func ParseCommand(n *history.Normalizer, rec message.Record) (Command, bool) {
	if !rec.DirectedAtBot || rec.Role == message.RoleAssistant || n == nil {
		return Command{}, false
	}
	rest, ok := n.StripMention(rec.Content)
	if !ok {
		return Command{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Command{}, false
	}

	name := strings.ToLower(fields[0])
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	if _, ok := commandTable[name]; !ok {
		return Command{}, false
	}
	return Command{
		Name: name,
		Args: strings.TrimSpace(rest[len(fields[0]):]),
	}, true
}

// IsCommandText reports whether raw message content is a bot command. It is
// used to keep commands out of reconciled history.
func IsCommandText(n *history.Normalizer, content string) bool {
	_, ok := ParseCommand(n, message.Record{Content: content, DirectedAtBot: true, Role: message.RoleUser})
	return ok
}

func (a *Actor) runCommand(ctx context.Context, cmd Command) {
	spec := commandTable[cmd.Name]
	a.logger.Info("running command", "command", cmd.Name)

	reply, err := a.safeRun(ctx, spec, cmd)
	a.deps.Observer.CommandExecuted(a.state.ChannelID, cmd.Name, err)

	if err != nil {
		a.logger.Warn("command failed", "command", cmd.Name, "error", err)
		a.send(ctx, KindError, err.Error())
		return
	}
	if reply != "" {
		a.send(ctx, KindNotice, reply)
	}
}

func (a *Actor) safeRun(ctx context.Context, spec commandSpec, cmd Command) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("command panicked", "command", cmd.Name, "panic", r)
			err = fmt.Errorf("%s failed: internal error", cmd.Name)
		}
	}()
	return spec.run(a, ctx, cmd.Args)
}

func usageError(name string, err error) error {
	return &CommandError{Command: name, Usage: commandTable[name].usage, Err: err}
}

func (a *Actor) cmdReset(_ context.Context, args string) (string, error) {
	if args != "" {
		return "", usageError("reset", nil)
	}
	a.state.Store.Reset()
	return "History cleared for this channel.", nil
}

func (a *Actor) cmdRefresh(ctx context.Context, args string) (string, error) {
	if args != "" {
		return "", usageError("refresh", nil)
	}
	records, err := a.deps.Reconciler.Reconcile(ctx, a.state.ChannelID, a.deps.Settings.Limits().FetchLimit)
	if err != nil {
		return "", fmt.Errorf("refresh failed, history unchanged: %w", err)
	}
	a.state.Store.Replace(records)
	a.state.LastReconciledAt = a.deps.Now()
	return fmt.Sprintf("History refreshed: %d messages loaded.", a.state.Store.Len()), nil
}

func (a *Actor) cmdHistory(_ context.Context, _ string) (string, error) {
	records := a.state.Store.Records()
	if len(records) == 0 {
		return "History is empty.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "History (%d of %d):", len(records), a.state.Store.MaxHistory())
	for _, r := range records {
		r.Content = shorten(strings.ReplaceAll(r.Content, "\n", " "), historyPreview)
		b.WriteString("\n")
		b.WriteString(r.String())
	}
	return b.String(), nil
}

func (a *Actor) cmdRaw(_ context.Context, _ string) (string, error) {
	req := a.buildRequest()
	raw, err := json.MarshalIndent(struct {
		Messages any `json:"messages"`
		Sampling any `json:"sampling"`
	}{req.Messages, req.Sampling}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}
	return string(raw), nil
}

func (a *Actor) cmdWipe(_ context.Context, args string) (string, error) {
	if args != "" {
		return "", usageError("wipe", nil)
	}
	a.state.Store.Reset()
	n := 1
	if a.deps.Wiper != nil {
		n = a.deps.Wiper.Wipe(a.state.ChannelID)
	}
	return fmt.Sprintf("Memory wiped across %d channels.", n), nil
}

func (a *Actor) cmdPrompt(_ context.Context, args string) (string, error) {
	switch strings.ToLower(args) {
	case "":
		source := "default"
		if a.state.SystemPromptOverride != "" {
			source = "override"
		}
		return fmt.Sprintf("System prompt (%s):\n%s", source, a.effectivePrompt()), nil
	case "reset", "clear":
		a.state.SystemPromptOverride = ""
		return "System prompt reset to default.", nil
	}

	verb, line, _ := strings.Cut(args, " ")
	switch strings.ToLower(verb) {
	case "add", "remove", "trim":
		return a.editPrompt(strings.ToLower(verb), strings.TrimSpace(line))
	}

	maxLines := a.deps.Prompts.MaxLines()
	if n := strings.Count(args, "\n") + 1; maxLines > 0 && n > maxLines {
		return "", usageError("prompt", fmt.Errorf("prompt has %d lines, limit is %d", n, maxLines))
	}
	a.state.SystemPromptOverride = args
	return "System prompt updated for this channel.", nil
}

// editPrompt changes the prompt shared by every channel without an override.
func (a *Actor) editPrompt(verb, line string) (string, error) {
	editor, ok := a.deps.Prompts.(PromptEditor)
	if !ok {
		return "", fmt.Errorf("prompt %s: the shared prompt cannot be edited", verb)
	}

	var b strings.Builder
	switch verb {
	case "add":
		if line == "" {
			return "", usageError("prompt", errors.New("add needs a line"))
		}
		n, removed, err := editor.AddLine(line)
		if err != nil {
			return "", fmt.Errorf("prompt add failed: %w", err)
		}
		fmt.Fprintf(&b, "Added line to the shared prompt: `%s`", line)
		writeRemoved(&b, removed)
		fmt.Fprintf(&b, "\nShared prompt now has %d lines.", n)
	case "remove":
		if line == "" {
			return "", usageError("prompt", errors.New("remove needs a line"))
		}
		n, err := editor.RemoveLine(line)
		if err != nil {
			return "", fmt.Errorf("prompt remove failed: %w", err)
		}
		fmt.Fprintf(&b, "Removed line from the shared prompt: `%s`\nShared prompt now has %d lines.", line, n)
	case "trim":
		if line != "" {
			return "", usageError("prompt", errors.New("trim takes no arguments"))
		}
		n, removed, err := editor.Trim()
		if err != nil {
			return "", fmt.Errorf("prompt trim failed: %w", err)
		}
		if len(removed) == 0 {
			return fmt.Sprintf("Shared prompt is already within the limit (%d lines).", n), nil
		}
		fmt.Fprintf(&b, "Trimmed the shared prompt to %d lines.", n)
		writeRemoved(&b, removed)
	}
	return b.String(), nil
}

func writeRemoved(b *strings.Builder, removed []string) {
	for _, r := range removed {
		fmt.Fprintf(b, "\nRemoved random line: `%s`", r)
	}
}

func (a *Actor) cmdInfo(_ context.Context, _ string) (string, error) {
	limits := a.deps.Settings.Limits()
	smp := a.deps.Settings.Sampling()

	var b strings.Builder
	fmt.Fprintf(&b, "Backend: %s\n", a.deps.Backend.Name)
	if a.deps.Backend.Model != "" {
		fmt.Fprintf(&b, "Model: %s\n", a.deps.Backend.Model)
	}
	if a.deps.Backend.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint: %s\n", a.deps.Backend.Endpoint)
	}
	fmt.Fprintf(&b, "Max history: %d\n", limits.MaxHistory)
	fmt.Fprintf(&b, "History fetch limit: %d\n", limits.FetchLimit)
	fmt.Fprintf(&b, "Max response lines: %d\n", limits.MaxResponseLines)
	fmt.Fprintf(&b, "Sampling: temperature=%s top_p=%s presence_penalty=%s frequency_penalty=%s max_tokens=%d seed=%d",
		formatFloat(smp.Temperature), formatFloat(smp.TopP),
		formatFloat(smp.PresencePenalty), formatFloat(smp.FrequencyPenalty),
		smp.MaxTokens, smp.Seed)
	return b.String(), nil
}

func (a *Actor) cmdDebug(ctx context.Context, _ string) (string, error) {
	limits := a.deps.Settings.Limits()
	raw, err := a.deps.Reconciler.Fetch(ctx, a.state.ChannelID, limits.FetchLimit)
	if err != nil {
		return "", fmt.Errorf("debug fetch failed: %w", err)
	}

	var bot, directed, usable int
	for _, m := range raw {
		if a.deps.Normalizer.IsBot(m.AuthorID) {
			bot++
		}
		rec, ok := a.deps.Normalizer.Normalize(m)
		if !ok {
			continue
		}
		usable++
		if rec.DirectedAtBot && rec.Role == message.RoleUser {
			directed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Server messages fetched: %d\n", len(raw))
	fmt.Fprintf(&b, "Usable messages: %d\n", usable)
	fmt.Fprintf(&b, "Bot messages: %d\n", bot)
	fmt.Fprintf(&b, "Directed at bot: %d\n", directed)
	fmt.Fprintf(&b, "Stored history: %d/%d\n", a.state.Store.Len(), limits.MaxHistory)
	fmt.Fprintf(&b, "Fetch limit: %d\n", limits.FetchLimit)
	if a.state.LastReconciledAt.IsZero() {
		b.WriteString("Last reconciled: never")
	} else {
		fmt.Fprintf(&b, "Last reconciled: %s", a.state.LastReconciledAt.Format("2006-01-02 15:04:05 MST"))
	}
	return b.String(), nil
}

func (a *Actor) cmdOptions(_ context.Context, args string) (string, error) {
	fields := strings.Fields(args)
	settings := a.deps.Settings

	switch {
	case len(fields) == 0:
		var b strings.Builder
		b.WriteString("Options:")
		for _, name := range OptionNames() {
			v, _ := settings.Get(name)
			fmt.Fprintf(&b, "\n%s = %s", name, v)
		}
		return b.String(), nil

	case strings.EqualFold(fields[0], "get") && len(fields) == 2:
		v, err := settings.Get(fields[1])
		if err != nil {
			return "", usageError("options", err)
		}
		return fmt.Sprintf("%s = %s", strings.ToLower(fields[1]), v), nil

	case strings.EqualFold(fields[0], "set") && len(fields) == 3:
		if err := settings.Set(fields[1], fields[2]); err != nil {
			return "", usageError("options", err)
		}
		v, _ := settings.Get(fields[1])
		return fmt.Sprintf("%s set to %s", strings.ToLower(fields[1]), v), nil
	}
	return "", usageError("options", nil)
}

func (a *Actor) cmdStop(_ context.Context, _ string) (string, error) {
	return "Stopped all pending responses.", nil
}

func (a *Actor) cmdCommands(_ context.Context, _ string) (string, error) {
	names := make([]string, 0, len(commandTable))
	for name := range commandTable {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Commands (mention me first):")
	for _, name := range names {
		spec := commandTable[name]
		fmt.Fprintf(&b, "\n%s: %s", spec.usage, spec.help)
	}
	return b.String(), nil
}

func shorten(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
