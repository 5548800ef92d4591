// Package conversation hosts the engine that owns every channel actor.
//
// # Engine
//
// The Engine keeps a registry of channel id to [channel.Actor], creating
// actors on demand as chat events arrive:
//
//	eng := conversation.New(conversation.Deps{...})
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Shutdown(shutdownCtx)
//	eng.DispatchRaw(raw)
//
// Start asks the Directory for known channels and reconciles their history
// with bounded concurrency. Fetches run in the fan-out goroutines and the
// results are handed to each actor through its mailbox, so the actor remains
// the only writer of its store.
//
// Dispatch drops events redelivered by the gateway using the dedupe cache.
//
// # Wipe
//
// The wipe command clears every channel. The engine queues a wipe into each
// actor's mailbox while holding its lock, giving all actors one global order
// of wipes. A generating actor applies the wipe after its current generation
// ends, which also clears that generation's reply.
//
// # Events
//
// Every emitted line, generation outcome and command run is published on the
// Broadcaster for live observers such as the operations API stream.
// Outcomes and commands are also written to the Ledger, when configured, by a
// single background writer.
package conversation
