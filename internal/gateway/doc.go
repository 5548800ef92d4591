// Package gateway serves deepbot's operations API.
//
// # Routes
//
//	GET  /health                         liveness and channel count (no auth)
//	GET  /metrics                        Prometheus metrics (no auth, when enabled)
//	GET  /api/channels                   one summary per channel actor
//	GET  /api/channels/{id}/history      stored records
//	POST /api/channels/{id}/messages     inject a message, 202 Accepted
//	GET  /api/channels/{id}/stream       server-sent events
//	GET  /api/generations                ledger rows (channel, outcome, since, limit)
//	GET  /api/stats                      ledger totals
//
// Everything under /api requires a bearer token when auth.jwt_secret is
// set. Errors are JSON objects with an "error" field.
//
// # Streaming
//
// The stream endpoint opens with a "ready" event and then relays the
// channel's broadcaster events: "line" for every line sent to the chat,
// "done" or "error" when a generation finishes, and "command" after a
// command runs. Comment lines keep idle connections open.
//
// # Listeners
//
// The server binds server.http_addr, or a tsnet node on port 80 when
// tailscale.enabled is set.
package gateway
