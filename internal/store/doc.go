// Package store provides the SQLite ledger for deepbot.
//
// The ledger is optional (database.path) and write-mostly: the engine
// reports every finished generation and every command run, and the
// operations API reads totals back for /api/stats.
//
//	ledger, err := store.NewSQLiteStore(cfg.Database.Path, logger)
//	...
//	eng := conversation.New(conversation.Deps{Ledger: ledger, ...})
//
// Tables:
//
//   - generations: one row per generation with outcome, line and
//     character counts, truncation and timings
//   - command_runs: one row per executed bot command
//
// Conversation history itself is never persisted; it is rebuilt from the
// chat homeserver on startup.
package store
