// ABOUTME: Tests for the SQLite ledger
// ABOUTME: Covers schema creation, generation and command recording, listings and stats

package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deepbot/internal/channel"
	"github.com/2389/deepbot/internal/generation"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

func TestNewSQLiteStore_CreatesDirectoryAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")
	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
	require.NoError(t, s.Close())

	// Reopening runs the migrations again without error.
	s, err = NewSQLiteStore(path, nil)
	require.NoError(t, err)
	assert.NoError(t, s.Ping(t.Context()))
	require.NoError(t, s.Close())
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.RecordCommand(t.Context(), "!a:x", "reset", nil))
	runs, err := s.ListCommandRuns(t.Context(), Filter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRecordGeneration(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.RecordGeneration(ctx, "!a:x", channel.GenerationResult{
		ID:        "gen-1",
		TriggerID: "$evt",
		Backend:   "http",
		Lines:     3,
		Chars:     42,
		Started:   base,
		Finished:  base.Add(1500 * time.Millisecond),
	}))
	require.NoError(t, s.RecordGeneration(ctx, "!a:x", channel.GenerationResult{
		ID:        "gen-2",
		Backend:   "http",
		Lines:     1,
		Truncated: true,
		Err:       generation.ErrNetwork,
		Started:   base.Add(time.Minute),
		Finished:  base.Add(2 * time.Minute),
	}))

	g, err := s.GetGeneration(ctx, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, "!a:x", g.ChannelID)
	assert.Equal(t, "$evt", g.TriggerID)
	assert.Equal(t, OutcomeSuccess, g.Outcome)
	assert.Equal(t, 1500*time.Millisecond, g.Duration())
	assert.Empty(t, g.Error)
	assert.False(t, g.Truncated)

	g, err = s.GetGeneration(ctx, "gen-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, g.Outcome)
	assert.Contains(t, g.Error, "unreachable")
	assert.True(t, g.Truncated)

	_, err = s.GetGeneration(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecordGeneration_Cancelled(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordGeneration(t.Context(), "!a:x", channel.GenerationResult{
		ID:  "gen-stop",
		Err: channel.ErrStopped,
	}))
	g, err := s.GetGeneration(t.Context(), "gen-stop")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, g.Outcome)
	assert.False(t, g.FinishedAt.IsZero())
}

func TestListGenerations_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for i, ch := range []string{"!a:x", "!b:x", "!a:x", "!a:x"} {
		outcome := OutcomeSuccess
		if i == 2 {
			outcome = OutcomeFailure
		}
		require.NoError(t, s.SaveGeneration(ctx, &Generation{
			ChannelID:  ch,
			Backend:    "echo",
			Outcome:    outcome,
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.ListGenerations(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.True(t, all[0].FinishedAt.After(all[1].FinishedAt), "newest first")

	a, err := s.ListGenerations(ctx, Filter{ChannelID: "!a:x"})
	require.NoError(t, err)
	assert.Len(t, a, 3)

	failed, err := s.ListGenerations(ctx, Filter{Outcome: OutcomeFailure})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	since := base.Add(2 * time.Minute)
	recent, err := s.ListGenerations(ctx, Filter{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, base.Add(3*time.Minute), recent[0].FinishedAt)
}

func TestRecordCommandAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.RecordCommand(ctx, "!a:x", "reset", nil))
	require.NoError(t, s.RecordCommand(ctx, "!a:x", "refresh", errors.New("forbidden")))
	require.NoError(t, s.RecordCommand(ctx, "!b:x", "reset", nil))
	require.NoError(t, s.SaveGeneration(ctx, &Generation{ChannelID: "!a:x", Backend: "echo", Outcome: OutcomeSuccess, Lines: 4}))
	require.NoError(t, s.SaveGeneration(ctx, &Generation{ChannelID: "!a:x", Backend: "echo", Outcome: OutcomeFailure, Lines: 2, Truncated: true}))

	runs, err := s.ListCommandRuns(ctx, Filter{Outcome: OutcomeFailure})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "refresh", runs[0].Command)
	assert.Equal(t, "forbidden", runs[0].Error)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"reset": 2, "refresh": 1}, stats.Commands)
	assert.Equal(t, map[string]int64{OutcomeSuccess: 1, OutcomeFailure: 1}, stats.Generations)
	assert.Equal(t, int64(6), stats.Lines)
	assert.Equal(t, int64(1), stats.Truncated)
}

func TestSaveGeneration_RejectsUnknownOutcome(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveGeneration(t.Context(), &Generation{ChannelID: "!a:x", Backend: "echo", Outcome: "maybe"})
	assert.Error(t, err)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 50, normalizeLimit(0))
	assert.Equal(t, 10, normalizeLimit(10))
	assert.Equal(t, 500, normalizeLimit(10_000))
}
