// ABOUTME: Streaming line accumulator for incremental generation output
// ABOUTME: Emits complete lines in order and flushes the remainder on finish

package lines

import (
	"errors"
	"strings"
)

// ErrFlushed is returned when feeding an accumulator that has finished.
var ErrFlushed = errors.New("accumulator already flushed")

// State is the accumulator lifecycle state.
type State int

const (
	Accumulating State = iota
	Flushed
)

func (s State) String() string {
	if s == Flushed {
		return "flushed"
	}
	return "accumulating"
}

// Outcome is how the underlying stream ended.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Failure {
		return "failure"
	}
	return "success"
}

// Sink receives complete lines without their line break.
type Sink interface {
	EmitLine(line string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(line string)

// EmitLine calls f(line).
func (f SinkFunc) EmitLine(line string) { f(line) }

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithMaxLines stops forwarding after n lines. Zero or less means no cap.
func WithMaxLines(n int) Option {
	return func(a *Accumulator) { a.maxLines = n }
}

// Accumulator buffers fragments until they form complete lines.
// It is not safe for concurrent use.
type Accumulator struct {
	sink     Sink
	maxLines int

	partial  strings.Builder
	all      strings.Builder
	emitted  int
	withheld int
	state    State
	outcome  Outcome
}

// New creates an accumulator that forwards lines to sink.
func New(sink Sink, opts ...Option) *Accumulator {
	a := &Accumulator{sink: sink}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Feed appends a fragment and forwards any lines it completes.
func (a *Accumulator) Feed(fragment string) error {
	if a.state == Flushed {
		return ErrFlushed
	}
	a.all.WriteString(fragment)

	for {
		i := strings.IndexByte(fragment, '\n')
		if i < 0 {
			a.partial.WriteString(fragment)
			return nil
		}
		line := fragment[:i]
		if a.partial.Len() > 0 {
			a.partial.WriteString(line)
			line = a.partial.String()
			a.partial.Reset()
		}
		a.emit(line)
		fragment = fragment[i+1:]
	}
}

// Finish flushes a non-empty partial line and moves to Flushed. Calling it
// again has no effect.
func (a *Accumulator) Finish(outcome Outcome) {
	if a.state == Flushed {
		return
	}
	if a.partial.Len() > 0 {
		a.emit(a.partial.String())
		a.partial.Reset()
	}
	a.outcome = outcome
	a.state = Flushed
}

func (a *Accumulator) emit(line string) {
	if a.maxLines > 0 && a.emitted >= a.maxLines {
		a.withheld++
		return
	}
	a.emitted++
	a.sink.EmitLine(line)
}

// State returns the lifecycle state.
func (a *Accumulator) State() State { return a.state }

// Outcome returns the outcome passed to Finish. It is Success until then.
func (a *Accumulator) Outcome() Outcome { return a.outcome }

// Text returns every fragment fed so far, concatenated.
func (a *Accumulator) Text() string { return a.all.String() }

// Emitted returns how many lines reached the sink.
func (a *Accumulator) Emitted() int { return a.emitted }

// Truncated reports whether the line cap withheld any line.
func (a *Accumulator) Truncated() bool { return a.withheld > 0 }
