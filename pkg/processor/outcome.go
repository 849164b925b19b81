package processor

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminated is returned by stream operations after the chain reached a terminal outcome.
	ErrTerminated = errors.New("processor chain terminated")
	// ErrNotStarted is returned by stream operations issued before Handle.
	ErrNotStarted = errors.New("processor chain not started")
)

// Status is the classification of an Outcome.
type Status int

const (
	StatusCompleted Status = iota
	StatusFailed
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusExited:
		return "exited"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the single signal a processor or chain emits.
type Outcome struct {
	Status Status
	Err    error
	// Source is the id of the processor that failed or exited.
	Source string
}

// Completed reports normal completion.
func Completed() Outcome { return Outcome{Status: StatusCompleted} }

// Failed reports a processor failure.
func Failed(source string, err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err, Source: source}
}

// Exited reports a deliberate short-circuit.
func Exited(source string) Outcome { return Outcome{Status: StatusExited, Source: source} }

// IsCompleted reports whether the outcome lets execution continue.
func (o Outcome) IsCompleted() bool { return o.Status == StatusCompleted }

func (o Outcome) String() string {
	switch o.Status {
	case StatusFailed:
		return fmt.Sprintf("failed at %s: %v", o.Source, o.Err)
	case StatusExited:
		return fmt.Sprintf("exited at %s", o.Source)
	default:
		return o.Status.String()
	}
}

// stopError carries a non-completed outcome back up through stream links.
type stopError struct{ outcome Outcome }

func (e *stopError) Error() string { return e.outcome.String() }

func (e *stopError) Unwrap() error { return ErrTerminated }
