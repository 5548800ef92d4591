// Package metrics exports deepbot's Prometheus metrics.
//
// A Recorder satisfies conversation.Metrics, so the engine feeds it every
// emitted line, finished generation, command and dropped duplicate. The
// registry is private to the Recorder and served by Handler.
package metrics
