// ABOUTME: Rebuilds a channel's history window from the upstream message source
// ABOUTME: Fetches, normalizes, sorts and trims; failures surface as FetchError

package history

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/time/rate"

	"github.com/2389/deepbot/internal/message"
)

// Source is the upstream message source. Messages may come back in any order.
type Source interface {
	FetchRecent(ctx context.Context, channelID string, limit int) ([]RawMessage, error)
}

// FetchError reports that the upstream source could not be read for a channel.
type FetchError struct {
	ChannelID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching history for %s: %v", e.ChannelID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Reconciler rebuilds history windows from a Source.
type Reconciler struct {
	source     Source
	normalizer *Normalizer
	maxHistory int
	limiter    *rate.Limiter
	skip       func(RawMessage) bool
	logger     *slog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLimiter throttles Source calls. The limiter may be shared between
// reconcilers.
func WithLimiter(l *rate.Limiter) ReconcilerOption {
	return func(r *Reconciler) { r.limiter = l }
}

// WithSkip drops raw messages for which fn returns true, such as bot commands.
func WithSkip(fn func(RawMessage) bool) ReconcilerOption {
	return func(r *Reconciler) { r.skip = fn }
}

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReconciler creates a reconciler keeping at most maxHistory records.
func NewReconciler(source Source, normalizer *Normalizer, maxHistory int, opts ...ReconcilerOption) *Reconciler {
	if maxHistory < 1 {
		maxHistory = 1
	}
	r := &Reconciler{
		source:     source,
		normalizer: normalizer,
		maxHistory: maxHistory,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconciler")
	return r
}

// Fetch returns up to limit raw messages for channelID, waiting on the rate
// limiter first. Errors are wrapped in *FetchError.
func (r *Reconciler) Fetch(ctx context.Context, channelID string, limit int) ([]RawMessage, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{ChannelID: channelID, Err: err}
		}
	}
	raw, err := r.source.FetchRecent(ctx, channelID, limit)
	if err != nil {
		return nil, &FetchError{ChannelID: channelID, Err: err}
	}
	if len(raw) > limit {
		raw = raw[:limit]
	}
	return raw, nil
}

// Reconcile fetches up to fetchLimit recent messages and returns the newest
// MaxHistory of them as records, oldest first. A fetchLimit below one
// returns an empty window without touching the source.
func (r *Reconciler) Reconcile(ctx context.Context, channelID string, fetchLimit int) ([]message.Record, error) {
	if fetchLimit < 1 {
		return []message.Record{}, nil
	}

	raw, err := r.Fetch(ctx, channelID, fetchLimit)
	if err != nil {
		r.logger.Warn("history fetch failed", "channel", channelID, "error", err)
		return nil, err
	}
	return r.Build(channelID, raw), nil
}

// Build normalizes fetched messages into a history window: skipped messages
// are dropped, the rest sorted oldest first and trimmed to MaxHistory.
func (r *Reconciler) Build(channelID string, raw []RawMessage) []message.Record {
	records := make([]message.Record, 0, len(raw))
	for _, m := range raw {
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		if r.skip != nil && r.skip(m) {
			continue
		}
		rec, ok := r.normalizer.Normalize(m)
		if !ok {
			continue
		}
		records = append(records, rec)
	}

	// Ties break on id so the window does not depend on upstream order.
	slices.SortStableFunc(records, func(a, b message.Record) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if over := len(records) - r.maxHistory; over > 0 {
		records = records[over:]
	}

	r.logger.Debug("reconciled history",
		"channel", channelID,
		"fetched", len(raw),
		"kept", len(records),
	)
	return records
}
