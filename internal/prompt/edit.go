// ABOUTME: Line edits to the shared prompt from chat commands
// ABOUTME: Adds, removes and trims lines and writes the prompt file back

package prompt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrLineNotFound is returned by RemoveLine for a line the prompt lacks.
var ErrLineNotFound = errors.New("line not found in prompt")

// AddLine appends line to the shared prompt unless it is already there. When
// the prompt then exceeds the line cap, random older lines are dropped. It
// returns the new line count and the dropped lines.
func (l *Library) AddLine(line string) (int, []string, error) {
	line = strings.TrimSpace(line)
	l.mu.Lock()
	defer l.mu.Unlock()

	lines := splitLines(l.text)
	if slices.Contains(lines, line) {
		return len(lines), nil, nil
	}
	lines = append(lines, line)
	lines, removed := l.dropRandom(lines, l.maxLines, len(lines)-1)
	if err := l.save(lines); err != nil {
		return 0, nil, err
	}
	l.logger.Info("prompt line added", "lines", len(lines), "removed", len(removed))
	return len(lines), removed, nil
}

// RemoveLine deletes the first line equal to line.
func (l *Library) RemoveLine(line string) (int, error) {
	line = strings.TrimSpace(line)
	l.mu.Lock()
	defer l.mu.Unlock()

	lines := splitLines(l.text)
	i := slices.Index(lines, line)
	if i < 0 {
		return len(lines), fmt.Errorf("%w: %q", ErrLineNotFound, line)
	}
	lines = slices.Delete(lines, i, i+1)
	if err := l.save(lines); err != nil {
		return 0, err
	}
	l.logger.Info("prompt line removed", "lines", len(lines))
	return len(lines), nil
}

// Trim drops random lines until the prompt fits the line cap. It returns the
// new line count and the dropped lines; nothing is written when the prompt
// already fits.
func (l *Library) Trim() (int, []string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines := splitLines(l.text)
	if len(lines) <= l.maxLines {
		return len(lines), nil, nil
	}
	lines, removed := l.dropRandom(lines, l.maxLines, -1)
	if err := l.save(lines); err != nil {
		return 0, nil, err
	}
	l.logger.Info("prompt trimmed", "lines", len(lines), "removed", len(removed))
	return len(lines), removed, nil
}

// dropRandom removes random lines other than lines[keep] until at most limit
// remain.
func (l *Library) dropRandom(lines []string, limit, keep int) ([]string, []string) {
	var removed []string
	for len(lines) > limit && len(lines) > 1 {
		i := l.pick(len(lines))
		if i == keep {
			continue
		}
		if i < keep {
			keep--
		}
		removed = append(removed, lines[i])
		lines = slices.Delete(lines, i, i+1)
	}
	return lines, removed
}

// save updates the in-memory prompt and, when a file is configured, replaces
// it. The caller holds l.mu.
func (l *Library) save(lines []string) error {
	text := strings.Join(lines, "\n")
	if l.path != "" {
		if err := writeFileAtomic(l.path, text+"\n"); err != nil {
			return fmt.Errorf("writing prompt file: %w", err)
		}
	}
	l.text = text
	return nil
}

func writeFileAtomic(path, data string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".prompt-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func splitLines(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func randomIndex(n int) int {
	return rand.IntN(n)
}
