// Package channel runs one conversation actor per chat channel.
//
// An Actor owns a channel's Context (history store, prompt override,
// reconciliation time) and processes everything that touches it one item at a
// time, in arrival order, from an unbounded mailbox. Nothing outside the actor
// goroutine reads or writes the Context; observers read the immutable Snapshot
// the actor publishes after every operation.
//
// # States
//
// An actor is Idle or Generating. A message addressed to the bot that is not
// a command starts a generation: the request is assembled from the effective
// system prompt and the history window, fragments stream through a
// lines.Accumulator into the Outbox, and the reply is appended to history
// when the stream ends. Messages that arrive meanwhile wait in the mailbox.
//
// # Commands
//
// Commands are messages that start with a mention of the bot ("deepbot:",
// "@deepbot" or the full user id) followed by a command word:
//
//	deepbot: reset            clear this channel's history
//	deepbot: refresh          rebuild history from the server
//	deepbot: history          list stored messages
//	deepbot: raw              show the next generation request
//	deepbot: wipe             clear history in every channel
//	deepbot: prompt [text]    show, set or reset ("prompt reset") the prompt
//	deepbot: prompt add <l>   add a line to the shared prompt file
//	deepbot: prompt remove <l>
//	deepbot: prompt trim      drop random lines down to the line cap
//	deepbot: info             backend and limits
//	deepbot: debug            compare server messages with stored history
//	deepbot: options [...]    get or set sampling options
//	deepbot: stop             cancel the reply in progress
//	deepbot: commands         list commands
//
// stop is handled as soon as it is submitted, ahead of the mailbox, so it can
// interrupt a generation; messages queued before it are still recorded but do
// not trigger replies.
package channel
