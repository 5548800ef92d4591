// ABOUTME: System prompt library with line cap and channel header rendering
// ABOUTME: Loads the prompt file and falls back to a built-in default

package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultMaxLines caps the prompt when no limit is configured.
const DefaultMaxLines = 60

// Default is used when no prompt file is configured or the file is missing.
const Default = `You are deepbot, a helpful participant in a group chat.
Messages from people are prefixed with their name.
Keep replies short and conversational; use several short lines rather than one long paragraph.
Only answer what was asked of you.`

// Library holds the current default system prompt.
type Library struct {
	mu       sync.RWMutex
	text     string
	path     string
	maxLines int
	logger   *slog.Logger

	// pick chooses the line dropped by AddLine and Trim.
	pick func(n int) int
}

// NewLibrary loads the prompt at path. An empty path or a missing file yields
// the built-in default.
func NewLibrary(path string, maxLines int, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	l := &Library{
		path:     path,
		maxLines: maxLines,
		logger:   logger.With("component", "prompt"),
		pick:     randomIndex,
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Text returns the current default prompt.
func (l *Library) Text() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.text
}

// MaxLines returns the line cap applied to prompts.
func (l *Library) MaxLines() int {
	return l.maxLines
}

// Path returns the watched prompt file, if any.
func (l *Library) Path() string {
	return l.path
}

// Reload rereads the prompt file.
func (l *Library) Reload() error {
	text := Default
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			l.logger.Warn("prompt file not found, using default", "path", l.path)
		case err != nil:
			return fmt.Errorf("reading prompt file: %w", err)
		default:
			if loaded := strings.TrimSpace(string(data)); loaded != "" {
				text = loaded
			}
		}
	}

	text = Clamp(text, l.maxLines)
	l.mu.Lock()
	l.text = text
	l.mu.Unlock()
	return nil
}

// Clamp keeps at most maxLines lines of text. Files loaded from disk keep
// their first lines; the trim command drops random ones instead.
func Clamp(text string, maxLines int) string {
	if maxLines <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= maxLines {
		return text
	}
	return strings.Join(lines[:maxLines], "\n")
}

// Render prefixes base with the channel name and current time, which is the
// system record content sent to the model.
func Render(base, channelName string, now time.Time) string {
	return fmt.Sprintf("# Channel: %s\n# Current Time: %s\n\n%s",
		channelName, now.Format("2006-01-02 15:04:05 MST"), base)
}
