// Package lines turns an incremental text stream into complete lines.
//
// An Accumulator is fed fragments as a generation backend produces them and
// forwards every complete line to a Sink as soon as its line break arrives.
// Finish flushes the trailing partial line, whether the stream succeeded or
// failed, and moves the accumulator to its terminal Flushed state.
//
// Without a line cap the emitted lines joined with "\n" reproduce the input
// exactly, minus one trailing line break. With WithMaxLines the accumulator
// keeps draining input after the cap but stops forwarding lines.
package lines
