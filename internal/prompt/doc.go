// Package prompt loads the default system prompt and keeps it current.
//
// The prompt lives in a plain text file, one instruction per line. A Library
// reads it once at startup and, when watched, reloads it whenever the file
// changes on disk so operators can tune the bot without a restart. Channels
// may override the prompt at runtime; overrides are held by the channel actor,
// not here.
package prompt
