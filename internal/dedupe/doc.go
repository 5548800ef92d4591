// Package dedupe filters repeated event keys within a time window.
//
// Chat homeservers may deliver the same event more than once (sync retries,
// reconnects). The engine asks the cache about every event id before
// queueing it:
//
//	cache := dedupe.New(10*time.Minute, 10000)
//	defer cache.Close()
//	if cache.Seen(evt.ID) {
//		return // duplicate
//	}
package dedupe
