package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// Posture decides what a step does when its policy faults. Deliberate
// rejections (an ExecutionFailure such as 401, 403 or 429) are never relaxed.
type Posture string

const (
	// FailClosed fails the chain on a policy fault.
	FailClosed Posture = "fail-closed"
	// FailOpen logs the fault and continues with the next step.
	FailOpen Posture = "fail-open"
)

// PostureKey is the step configuration key overriding the default posture.
const PostureKey = "failure_posture"

// Policies whose faults should not take the API down with them.
var defaultPostures = map[string]Posture{
	DLPPolicyName:       FailOpen,
	WAFPolicyName:       FailOpen,
	RateLimitPolicyName: FailOpen,
}

// ParsePosture converts a textual posture.
func ParsePosture(value string) (Posture, error) {
	p := Posture(strings.ToLower(strings.TrimSpace(value)))
	switch p {
	case FailClosed, FailOpen:
		return p, nil
	default:
		return "", fmt.Errorf("%w: invalid failure posture %q", ErrInvalidConfiguration, value)
	}
}

// PostureOf returns the effective posture of step.
func PostureOf(step *domain.Step) (Posture, error) {
	if raw, ok := step.Configuration[PostureKey].(string); ok && raw != "" {
		return ParsePosture(raw)
	}
	if p, ok := defaultPostures[step.Policy]; ok {
		return p, nil
	}
	return FailClosed, nil
}

// tolerable reports whether err is a fault a fail-open step may swallow.
func (p Posture) tolerable(err error) bool {
	if p != FailOpen || errors.Is(err, runtime.ErrExit) {
		return false
	}
	var failure *runtime.ExecutionFailure
	return !errors.As(err, &failure)
}
