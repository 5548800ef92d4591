// ABOUTME: Generation and command ledger methods on the SQLite store
// ABOUTME: Records outcomes reported by channel actors and answers listing and stats queries

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/deepbot/internal/channel"
)

// RecordGeneration stores a finished generation reported by a channel actor.
func (s *SQLiteStore) RecordGeneration(ctx context.Context, channelID string, result channel.GenerationResult) error {
	g := &Generation{
		ID:         result.ID,
		ChannelID:  channelID,
		TriggerID:  result.TriggerID,
		Backend:    result.Backend,
		Outcome:    result.Outcome(),
		Lines:      result.Lines,
		Chars:      result.Chars,
		Truncated:  result.Truncated,
		StartedAt:  result.Started,
		FinishedAt: result.Finished,
	}
	if result.Err != nil {
		g.Error = result.Err.Error()
	}
	return s.SaveGeneration(ctx, g)
}

// SaveGeneration inserts g, generating an ID if it has none.
func (s *SQLiteStore) SaveGeneration(ctx context.Context, g *Generation) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.FinishedAt.IsZero() {
		g.FinishedAt = time.Now().UTC()
	}
	if g.StartedAt.IsZero() {
		g.StartedAt = g.FinishedAt
	}

	query := `
		INSERT INTO generations (id, channel_id, trigger_id, backend, outcome, error, lines, chars, truncated, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		g.ID,
		g.ChannelID,
		g.TriggerID,
		g.Backend,
		g.Outcome,
		nullString(g.Error),
		g.Lines,
		g.Chars,
		g.Truncated,
		formatTime(g.StartedAt),
		formatTime(g.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting generation: %w", err)
	}

	s.logger.Debug("recorded generation",
		"id", g.ID,
		"channel", g.ChannelID,
		"outcome", g.Outcome,
		"lines", g.Lines)
	return nil
}

// GetGeneration returns one generation by id.
func (s *SQLiteStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	row := s.db.QueryRowContext(ctx, generationColumns+` WHERE id = ?`, id)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

const generationColumns = `
	SELECT id, channel_id, trigger_id, backend, outcome, error, lines, chars, truncated, started_at, finished_at
	FROM generations`

// ListGenerations returns generations matching f, newest first.
func (s *SQLiteStore) ListGenerations(ctx context.Context, f Filter) ([]*Generation, error) {
	query := generationColumns + `
		WHERE (? = '' OR channel_id = ?)
		  AND (? = '' OR outcome = ?)
		  AND (? IS NULL OR finished_at >= ?)
		ORDER BY finished_at DESC
		LIMIT ?`
	since := sinceArg(f.Since)

	rows, err := s.db.QueryContext(ctx, query,
		f.ChannelID, f.ChannelID,
		f.Outcome, f.Outcome,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying generations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Generation{}
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating generations: %w", err)
	}
	return out, nil
}

// RecordCommand stores one command execution.
func (s *SQLiteStore) RecordCommand(ctx context.Context, channelID, command string, cmdErr error) error {
	run := &CommandRun{
		ChannelID: channelID,
		Command:   command,
		Outcome:   OutcomeSuccess,
	}
	if cmdErr != nil {
		run.Outcome = OutcomeFailure
		run.Error = cmdErr.Error()
	}
	return s.SaveCommandRun(ctx, run)
}

// SaveCommandRun inserts run, generating ID and timestamp if not set.
func (s *SQLiteStore) SaveCommandRun(ctx context.Context, run *CommandRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_runs (id, channel_id, command, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.ChannelID,
		run.Command,
		run.Outcome,
		nullString(run.Error),
		formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command run: %w", err)
	}
	return nil
}

// ListCommandRuns returns command runs matching f, newest first.
func (s *SQLiteStore) ListCommandRuns(ctx context.Context, f Filter) ([]*CommandRun, error) {
	since := sinceArg(f.Since)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, command, outcome, error, created_at
		FROM command_runs
		WHERE (? = '' OR channel_id = ?)
		  AND (? = '' OR outcome = ?)
		  AND (? IS NULL OR created_at >= ?)
		ORDER BY created_at DESC
		LIMIT ?
	`,
		f.ChannelID, f.ChannelID,
		f.Outcome, f.Outcome,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying command runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*CommandRun{}
	for rows.Next() {
		var run CommandRun
		var errText sql.NullString
		var created string
		if err := rows.Scan(&run.ID, &run.ChannelID, &run.Command, &run.Outcome, &errText, &created); err != nil {
			return nil, fmt.Errorf("scanning command run: %w", err)
		}
		run.Error = errText.String
		if run.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command runs: %w", err)
	}
	return out, nil
}

// Stats returns ledger totals.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Generations: map[string]int64{},
		Commands:    map[string]int64{},
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(lines), 0), COALESCE(SUM(truncated), 0) FROM generations
	`).Scan(&stats.Lines, &stats.Truncated)
	if err != nil {
		return nil, fmt.Errorf("querying generation totals: %w", err)
	}

	if err := s.countInto(ctx, stats.Generations,
		`SELECT outcome, COUNT(*) FROM generations GROUP BY outcome`); err != nil {
		return nil, fmt.Errorf("counting generations: %w", err)
	}
	if err := s.countInto(ctx, stats.Commands,
		`SELECT command, COUNT(*) FROM command_runs GROUP BY command`); err != nil {
		return nil, fmt.Errorf("counting commands: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) countInto(ctx context.Context, into map[string]int64, query string) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

func scanGeneration(scanner interface{ Scan(dest ...any) error }) (*Generation, error) {
	var g Generation
	var errText sql.NullString
	var started, finished string
	if err := scanner.Scan(
		&g.ID,
		&g.ChannelID,
		&g.TriggerID,
		&g.Backend,
		&g.Outcome,
		&errText,
		&g.Lines,
		&g.Chars,
		&g.Truncated,
		&started,
		&finished,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning generation: %w", err)
	}
	g.Error = errText.String

	var err error
	if g.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if g.FinishedAt, err = parseTime(finished); err != nil {
		return nil, err
	}
	return &g, nil
}

// normalizeLimit applies default (50) and cap (500) to listing limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

func sinceArg(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// formatTime uses a fixed-width layout so stored timestamps sort as text.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
