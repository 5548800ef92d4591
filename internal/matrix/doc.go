// Package matrix connects the conversation engine to a Matrix homeserver.
//
// A Client plays three roles for the engine: history source (FetchRecent
// pages /messages backwards), outbox (Send and SetTyping) and channel
// directory (joined rooms filtered by allowed_rooms). Run drives the sync
// loop and hands each live m.room.message to the engine.
//
// Replies go out as m.text with Markdown rendered into formatted_body.
// Command output and errors go out as m.notice, which the bot never reads
// back into history.
//
// With encryption enabled the mautrix crypto helper keeps its keys in a
// per-account SQLite database under the data directory.
package matrix
