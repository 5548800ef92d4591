// ABOUTME: Tests for the system prompt library
// ABOUTME: Covers defaults, line capping, rendering and hot reload

package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLibrary_DefaultWithoutPath(t *testing.T) {
	l, err := NewLibrary("", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, Default, l.Text())
	assert.Equal(t, DefaultMaxLines, l.MaxLines())
}

func TestNewLibrary_MissingFileFallsBack(t *testing.T) {
	l, err := NewLibrary(filepath.Join(t.TempDir(), "nope.txt"), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, Default, l.Text())
}

func TestNewLibrary_LoadsAndClamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644))

	l, err := NewLibrary(path, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree", l.Text())
}

func TestClamp(t *testing.T) {
	assert.Equal(t, "a\nb", Clamp("a\nb", 2))
	assert.Equal(t, "a", Clamp("a\nb\nc", 1))
	assert.Equal(t, "a\nb\nc", Clamp("a\nb\nc", 0))
}

func TestRender(t *testing.T) {
	now := time.Date(2026, 7, 4, 15, 30, 0, 0, time.UTC)
	got := Render("Be kind.", "#general", now)
	assert.Equal(t, "# Channel: #general\n# Current Time: 2026-07-04 15:30:00 UTC\n\nBe kind.", got)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o644))

	l, err := NewLibrary(path, 0, nil)
	require.NoError(t, err)

	ctx := t.Context()
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("second"), 0o644))

	assert.Eventually(t, func() bool {
		return strings.TrimSpace(l.Text()) == "second"
	}, 2*time.Second, 20*time.Millisecond)
}
