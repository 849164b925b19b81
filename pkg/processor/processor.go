package processor

import (
	"context"
	"errors"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// Processor is one step of execution. Implementations are shared across
// requests and must keep per-request state in the execution context.
type Processor interface {
	ID() string
	Handle(ctx context.Context, ec *runtime.ExecutionContext) Outcome
}

// Sink receives a body stream.
type Sink interface {
	Write(ctx context.Context, chunk []byte) error
	End(ctx context.Context) error
}

// StreamableProcessor additionally sees the body. It forwards (possibly
// transformed) data to next and must call next.End exactly once from OnEnd
// unless it stops the stream by returning a non-completed Outcome.
type StreamableProcessor interface {
	Processor
	OnChunk(ctx context.Context, ec *runtime.ExecutionContext, chunk []byte, next Sink) Outcome
	OnEnd(ctx context.Context, ec *runtime.ExecutionContext, next Sink) Outcome
}

// Func adapts a function to Processor.
type Func struct {
	Name string
	Fn   func(ctx context.Context, ec *runtime.ExecutionContext) Outcome
}

func (f Func) ID() string { return f.Name }

func (f Func) Handle(ctx context.Context, ec *runtime.ExecutionContext) Outcome {
	return f.Fn(ctx, ec)
}

// Passthrough lifts a Processor into a StreamableProcessor that relays the body unchanged.
func Passthrough(p Processor) StreamableProcessor {
	if sp, ok := p.(StreamableProcessor); ok {
		return sp
	}
	return passthrough{Processor: p}
}

type passthrough struct{ Processor }

func (p passthrough) OnChunk(ctx context.Context, _ *runtime.ExecutionContext, chunk []byte, next Sink) Outcome {
	return Forward(next.Write(ctx, chunk), p.ID())
}

func (p passthrough) OnEnd(ctx context.Context, _ *runtime.ExecutionContext, next Sink) Outcome {
	return Forward(next.End(ctx), p.ID())
}

// Forward converts the error of a downstream Sink call into an Outcome. A stop
// raised further down the chain is passed back unchanged; the chain keeps the
// first terminal outcome it recorded.
func Forward(err error, source string) Outcome {
	if err == nil {
		return Completed()
	}
	var stop *stopError
	if errors.As(err, &stop) {
		return stop.outcome
	}
	return Failed(source, err)
}

// SinkFunc adapts two functions to Sink.
type SinkFunc struct {
	OnWrite func(ctx context.Context, chunk []byte) error
	OnEnd   func(ctx context.Context) error
}

func (s SinkFunc) Write(ctx context.Context, chunk []byte) error {
	if s.OnWrite == nil {
		return nil
	}
	return s.OnWrite(ctx, chunk)
}

func (s SinkFunc) End(ctx context.Context) error {
	if s.OnEnd == nil {
		return nil
	}
	return s.OnEnd(ctx)
}

// Discard drops every chunk.
var Discard Sink = SinkFunc{}
