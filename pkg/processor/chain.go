package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrEndNotForwarded is the failure recorded when the end of the stream never reached the tail.
var ErrEndNotForwarded = errors.New("end of stream not forwarded")

// Observer is notified after every control or end hook.
type Observer interface {
	ObserveProcessor(ctx context.Context, chainID, processorID, hook string, outcome Outcome, elapsed time.Duration)
}

// Options holds dependencies shared by both chain kinds.
type Options struct {
	Logger   *slog.Logger
	Observer Observer
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// terminal records the first terminal outcome of a chain and nothing after.
type terminal struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newTerminal() terminal { return terminal{done: make(chan struct{})} }

func (t *terminal) set(o Outcome) bool {
	fired := false
	t.once.Do(func() {
		t.outcome = o
		fired = true
		close(t.done)
	})
	return fired
}

func (t *terminal) get() (Outcome, bool) {
	select {
	case <-t.done:
		return t.outcome, true
	default:
		return Outcome{}, false
	}
}

var tracer = otel.Tracer("gateway.processor")

// invoke runs one hook with tracing, panic recovery and observation.
func invoke(ctx context.Context, opts Options, chainID, processorID, hook string, fn func(context.Context) Outcome) (out Outcome) {
	spanCtx, span := tracer.Start(ctx, "processor."+hook, trace.WithAttributes(
		attribute.String("chain.id", chainID),
		attribute.String("processor.id", processorID),
	))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Failed(processorID, fmt.Errorf("processor panic: %v", r))
		}
		if !out.IsCompleted() && out.Source == "" {
			out.Source = processorID
		}
		span.SetAttributes(attribute.String("processor.outcome", out.Status.String()))
		if out.Status == StatusFailed {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, "processor failed")
		}
		span.End()
		if opts.Observer != nil {
			opts.Observer.ObserveProcessor(ctx, chainID, processorID, hook, out, time.Since(start))
		}
	}()
	return fn(spanCtx)
}

// guard runs a body hook with panic recovery only; chunks are neither traced nor observed.
func guard(processorID string, fn func() Outcome) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(processorID, fmt.Errorf("processor panic: %v", r))
		}
		if !out.IsCompleted() && out.Source == "" {
			out.Source = processorID
		}
	}()
	return fn()
}

// Chain executes processors strictly one at a time, in order. A chain is built
// per request and handled once.
type Chain struct {
	id         string
	processors []Processor
	opts       Options
	term       terminal
	runOnce    sync.Once
}

// NewChain creates a chain over processors.
func NewChain(id string, processors []Processor, opts Options) *Chain {
	return &Chain{id: id, processors: processors, opts: opts, term: newTerminal()}
}

// ID returns the chain identifier.
func (c *Chain) ID() string { return c.id }

// Handle runs the chain and returns its terminal outcome. Later calls return
// the same outcome without running anything.
func (c *Chain) Handle(ctx context.Context, ec *runtime.ExecutionContext) Outcome {
	c.runOnce.Do(func() {
		c.term.set(c.run(ctx, ec))
	})
	o, _ := c.term.get()
	return o
}

// Done is closed once the chain reached its terminal outcome.
func (c *Chain) Done() <-chan struct{} { return c.term.done }

func (c *Chain) run(ctx context.Context, ec *runtime.ExecutionContext) Outcome {
	for _, p := range c.processors {
		if err := ctx.Err(); err != nil {
			return Failed(p.ID(), err)
		}
		o := invoke(ctx, c.opts, c.id, p.ID(), "handle", func(ctx context.Context) Outcome {
			return p.Handle(ctx, ec)
		})
		if !o.IsCompleted() {
			c.opts.logger().Debug("processor chain stopped",
				slog.String("chain_id", c.id),
				slog.String("processor_id", o.Source),
				slog.String("outcome", o.Status.String()),
			)
			return o
		}
	}
	return Completed()
}

// StreamableChain runs control hooks through Handle, then relays the body
// written with Write and End through every processor to the tail sink.
//
// The chain is terminal after a control hook fails or exits, after any body
// hook fails or exits, or once the end of the stream reaches the tail.
type StreamableChain struct {
	id         string
	processors []StreamableProcessor
	tail       Sink
	links      []Sink
	opts       Options
	term       terminal

	mu        sync.Mutex
	ec        *runtime.ExecutionContext
	started   bool
	control   Outcome
	tailEnded bool
}

// NewStreamableChain wires every processor's output to the next processor and
// the last one to tail.
func NewStreamableChain(id string, processors []StreamableProcessor, tail Sink, opts Options) *StreamableChain {
	if tail == nil {
		tail = Discard
	}
	c := &StreamableChain{
		id:         id,
		processors: processors,
		tail:       tail,
		opts:       opts,
		term:       newTerminal(),
	}
	c.links = make([]Sink, len(processors))
	for i := range processors {
		if i+1 < len(processors) {
			c.links[i] = &link{chain: c, next: i + 1}
		} else {
			c.links[i] = &tailLink{chain: c}
		}
	}
	return c
}

// ID returns the chain identifier.
func (c *StreamableChain) ID() string { return c.id }

// Done is closed once the chain reached its terminal outcome.
func (c *StreamableChain) Done() <-chan struct{} { return c.term.done }

// Outcome returns the terminal outcome, if reached.
func (c *StreamableChain) Outcome() (Outcome, bool) { return c.term.get() }

// Handle runs the control hook of every processor in order. A non-completed
// outcome is terminal; a completed one moves the chain to the body phase.
func (c *StreamableChain) Handle(ctx context.Context, ec *runtime.ExecutionContext) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return c.control
	}
	c.started = true
	c.ec = ec

	c.control = Completed()
	for _, p := range c.processors {
		if err := ctx.Err(); err != nil {
			c.control = Failed(p.ID(), err)
			break
		}
		o := invoke(ctx, c.opts, c.id, p.ID(), "handle", func(ctx context.Context) Outcome {
			return p.Handle(ctx, ec)
		})
		if !o.IsCompleted() {
			c.control = o
			break
		}
	}
	if !c.control.IsCompleted() {
		c.stop(c.control)
	}
	return c.control
}

// Write pushes one chunk through the chain. Chunks reach the tail in the order written.
func (c *StreamableChain) Write(ctx context.Context, chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return err
	}
	return c.links0().Write(ctx, chunk)
}

// End signals the end of the body. It may be called without any prior Write.
func (c *StreamableChain) End(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return err
	}
	if err := c.links0().End(ctx); err != nil {
		return err
	}
	if !c.tailEnded {
		c.stop(Failed(c.id, ErrEndNotForwarded))
		return c.stopErr()
	}
	c.stop(Completed())
	return nil
}

// links0 is the entry point of the stream.
func (c *StreamableChain) links0() Sink {
	if len(c.processors) == 0 {
		return &tailLink{chain: c}
	}
	return &link{chain: c, next: 0}
}

func (c *StreamableChain) ready(ctx context.Context) error {
	if !c.started {
		return ErrNotStarted
	}
	if _, done := c.term.get(); done {
		return c.stopErr()
	}
	if err := ctx.Err(); err != nil {
		c.stop(Failed(c.id, err))
		return c.stopErr()
	}
	return nil
}

func (c *StreamableChain) stop(o Outcome) {
	if c.term.set(o) && !o.IsCompleted() {
		c.opts.logger().Debug("streamable chain stopped",
			slog.String("chain_id", c.id),
			slog.String("processor_id", o.Source),
			slog.String("outcome", o.Status.String()),
		)
	}
}

func (c *StreamableChain) stopErr() error {
	o, _ := c.term.get()
	return &stopError{outcome: o}
}

// link delivers data to processor next.
type link struct {
	chain *StreamableChain
	next  int
}

func (l *link) Write(ctx context.Context, chunk []byte) error {
	c := l.chain
	if _, done := c.term.get(); done {
		return c.stopErr()
	}
	p := c.processors[l.next]
	o := guard(p.ID(), func() Outcome {
		return p.OnChunk(ctx, c.ec, chunk, c.links[l.next])
	})
	if !o.IsCompleted() {
		c.stop(o)
		return c.stopErr()
	}
	return nil
}

func (l *link) End(ctx context.Context) error {
	c := l.chain
	if _, done := c.term.get(); done {
		return c.stopErr()
	}
	p := c.processors[l.next]
	o := invoke(ctx, c.opts, c.id, p.ID(), "end", func(ctx context.Context) Outcome {
		return p.OnEnd(ctx, c.ec, c.links[l.next])
	})
	if !o.IsCompleted() {
		c.stop(o)
		return c.stopErr()
	}
	return nil
}

// tailLink delivers data to the chain's sink.
type tailLink struct{ chain *StreamableChain }

func (l *tailLink) Write(ctx context.Context, chunk []byte) error {
	c := l.chain
	if _, done := c.term.get(); done {
		return c.stopErr()
	}
	if err := c.tail.Write(ctx, chunk); err != nil {
		c.stop(Failed(c.id, fmt.Errorf("sink write: %w", err)))
		return c.stopErr()
	}
	return nil
}

func (l *tailLink) End(ctx context.Context) error {
	c := l.chain
	if _, done := c.term.get(); done {
		return c.stopErr()
	}
	if c.tailEnded {
		return nil
	}
	c.tailEnded = true
	if err := c.tail.End(ctx); err != nil {
		c.stop(Failed(c.id, fmt.Errorf("sink end: %w", err)))
		return c.stopErr()
	}
	return nil
}
