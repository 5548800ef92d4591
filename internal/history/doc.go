// Package history keeps the bounded, time-ordered message window of a chat
// channel and rebuilds it from the upstream message source.
//
// # Store
//
// A Store holds at most MaxHistory records sorted by timestamp. The system
// prompt is not stored: Window prepends a synthesized system record so it
// never counts against the bound. A Store is not safe for concurrent use; the
// channel actor that owns it is the only writer and reader.
//
// # Reconciliation
//
// A Reconciler fetches the most recent messages of a channel from a Source,
// normalizes them into records, sorts them and keeps the newest MaxHistory.
// The result fully replaces a store's contents, so running it twice against an
// unchanged channel yields the same store. Fetch failures are reported as
// *FetchError and leave the caller's store untouched.
//
// Source calls share a rate limiter so that startup fan-out across many
// channels cannot flood the homeserver:
//
//	limiter := rate.NewLimiter(rate.Limit(5), 5)
//	rec := history.NewReconciler(src, normalizer, 10, history.WithLimiter(limiter))
//	records, err := rec.Reconcile(ctx, "!room:example.org", 50)
package history
