package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/processor"
)

// StepProcessor runs one flow step in one phase.
type StepProcessor struct {
	id        string
	step      *domain.Step
	policy    Policy
	phase     runtime.Phase
	condition string
	posture   Posture
	logger    *slog.Logger
}

// NewStepProcessor creates the processor of step for phase. id must be unique
// within the chain; it keys the per-request state of the step.
func NewStepProcessor(id string, step *domain.Step, p Policy, phase runtime.Phase, logger *slog.Logger) (*StepProcessor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	posture, err := PostureOf(step)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", step.Name, err)
	}
	return &StepProcessor{
		id:        id,
		step:      step,
		policy:    p,
		phase:     phase,
		condition: step.Condition,
		posture:   posture,
		logger:    logger,
	}, nil
}

// ID returns the processor id.
func (s *StepProcessor) ID() string { return s.id }

// Step returns the flow step this processor runs.
func (s *StepProcessor) Step() *domain.Step { return s.step }

func (s *StepProcessor) skippedKey() string     { return runtime.InternalSkippedSteps + "." + s.id }
func (s *StepProcessor) transformerKey() string { return "body.transformer." + s.id }

// Handle evaluates the step condition and runs the phase hook.
func (s *StepProcessor) Handle(ctx context.Context, ec *runtime.ExecutionContext) processor.Outcome {
	if s.condition != "" {
		ok, err := ec.EvalBool(ctx, s.condition)
		if err != nil {
			s.logger.Warn("step condition evaluation failed, skipping step",
				slog.String("step", s.step.Name),
				slog.String("policy", s.step.Policy),
				slog.Any("error", err))
		}
		if err != nil || !ok {
			ec.SetInternalAttribute(s.skippedKey(), true)
			return processor.Completed()
		}
	}

	var err error
	if isRequestPhase(s.phase) {
		if p, ok := s.policy.(RequestPolicy); ok {
			err = p.OnRequest(ctx, ec)
		}
	} else if p, ok := s.policy.(ResponsePolicy); ok {
		err = p.OnResponse(ctx, ec)
	}
	if err != nil {
		if s.tolerate(err) {
			return processor.Completed()
		}
		return s.outcome(err)
	}

	if bp, ok := s.policy.(BodyPolicy); ok {
		tr, err := bp.NewTransformer(ctx, ec, s.phase)
		if err != nil {
			if s.tolerate(err) {
				return processor.Completed()
			}
			return s.outcome(err)
		}
		if tr != nil {
			ec.SetInternalAttribute(s.transformerKey(), tr)
		}
	}
	return processor.Completed()
}

func (s *StepProcessor) transformer(ec *runtime.ExecutionContext) BodyTransformer {
	if skipped, _ := ec.InternalAttribute(s.skippedKey()); skipped == true {
		return nil
	}
	v, ok := ec.InternalAttribute(s.transformerKey())
	if !ok {
		return nil
	}
	tr, _ := v.(BodyTransformer)
	return tr
}

// tolerate logs and swallows err when the posture allows it.
func (s *StepProcessor) tolerate(err error) bool {
	if errors.Is(err, processor.ErrTerminated) || !s.posture.tolerable(err) {
		return false
	}
	s.logger.Warn("policy fault ignored by fail-open posture",
		slog.String("step", s.step.Name),
		slog.String("policy", s.step.Policy),
		slog.Any("error", err))
	return true
}

// OnChunk relays chunk through the step's body transformer, if any. A
// tolerated transformer fault relays the chunk as is and bypasses the
// transformer for the rest of the stream.
func (s *StepProcessor) OnChunk(ctx context.Context, ec *runtime.ExecutionContext, chunk []byte, next processor.Sink) processor.Outcome {
	tr := s.transformer(ec)
	if tr == nil {
		return processor.Forward(next.Write(ctx, chunk), s.id)
	}
	err := tr.Transform(ctx, chunk, func(b []byte) error {
		return next.Write(ctx, b)
	})
	if err != nil && s.tolerate(err) {
		ec.RemoveInternalAttribute(s.transformerKey())
		return processor.Forward(next.Write(ctx, chunk), s.id)
	}
	return s.outcome(err)
}

// OnEnd flushes the body transformer and forwards the end of the stream.
func (s *StepProcessor) OnEnd(ctx context.Context, ec *runtime.ExecutionContext, next processor.Sink) processor.Outcome {
	if tr := s.transformer(ec); tr != nil {
		err := tr.Flush(ctx, func(b []byte) error {
			return next.Write(ctx, b)
		})
		if err != nil && !s.tolerate(err) {
			return s.outcome(err)
		}
	}
	return processor.Forward(next.End(ctx), s.id)
}

// outcome classifies a policy error. Stops raised downstream keep their
// origin, runtime.ErrExit is an exit, anything else fails the step.
func (s *StepProcessor) outcome(err error) processor.Outcome {
	switch {
	case err == nil:
		return processor.Completed()
	case errors.Is(err, processor.ErrTerminated):
		return processor.Forward(err, s.id)
	case errors.Is(err, runtime.ErrExit):
		return processor.Exited(s.id)
	default:
		return processor.Failed(s.id, err)
	}
}

var _ processor.StreamableProcessor = (*StepProcessor)(nil)
