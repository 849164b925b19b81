package flow

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// compiledFlow holds the compiled guards of one flow.
type compiledFlow struct {
	flow     *domain.Flow
	path     *pathPattern // nil when the flow has no http selector
	methods  map[string]struct{}
	channels []domain.Selector
	conds    []string
	err      error
}

// ConditionFilter evaluates flow guards against a request. Compiled guards are
// cached per flow instance; a redefinition produces new instances, and Forget
// drops the entries of flows that were undeployed.
type ConditionFilter struct {
	logger *slog.Logger
	cache  sync.Map // *domain.Flow -> *compiledFlow
}

// NewConditionFilter creates a filter.
func NewConditionFilter(logger *slog.Logger) *ConditionFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConditionFilter{logger: logger}
}

// Filter lazily yields the flows whose guards match, in the order given.
// A guard that cannot be evaluated makes only its own flow non-matching.
func (f *ConditionFilter) Filter(ctx context.Context, ec *runtime.ExecutionContext, flows []*domain.Flow) iter.Seq[*domain.Flow] {
	return func(yield func(*domain.Flow) bool) {
		for _, fl := range flows {
			if fl == nil || !fl.Enabled {
				continue
			}
			if !f.Matches(ctx, ec, fl) {
				continue
			}
			if !yield(fl) {
				return
			}
		}
	}
}

// Matches reports whether every selector of fl matches the request.
func (f *ConditionFilter) Matches(ctx context.Context, ec *runtime.ExecutionContext, fl *domain.Flow) bool {
	cf := f.compiled(fl)
	if cf.err != nil {
		f.logger.Warn("flow guard is invalid, flow skipped",
			slog.String("flow_id", fl.ID),
			slog.String("flow_name", fl.Name),
			slog.Any("error", cf.err))
		return false
	}

	req := ec.Request
	if cf.path != nil {
		if !cf.path.match(req.PathInfo) {
			return false
		}
		if len(cf.methods) > 0 {
			if _, ok := cf.methods[strings.ToUpper(req.Method)]; !ok {
				return false
			}
		}
	}

	for _, sel := range cf.channels {
		if !matchChannel(sel, req.Channel) {
			return false
		}
	}

	for _, cond := range cf.conds {
		ok, err := ec.EvalBool(ctx, cond)
		if err != nil {
			f.logger.Warn("flow condition evaluation failed, flow skipped",
				slog.String("flow_id", fl.ID),
				slog.String("flow_name", fl.Name),
				slog.String("condition", cond),
				slog.Any("error", err))
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// Forget drops cached guards of the given flows.
func (f *ConditionFilter) Forget(flows ...*domain.Flow) {
	for _, fl := range flows {
		f.cache.Delete(fl)
	}
}

func (f *ConditionFilter) compiled(fl *domain.Flow) *compiledFlow {
	if v, ok := f.cache.Load(fl); ok {
		return v.(*compiledFlow)
	}
	v, _ := f.cache.LoadOrStore(fl, compileFlow(fl))
	return v.(*compiledFlow)
}

func compileFlow(fl *domain.Flow) *compiledFlow {
	cf := &compiledFlow{flow: fl}
	for _, sel := range fl.Selectors {
		switch sel.Kind {
		case domain.SelectorHTTP:
			if cf.path != nil {
				continue
			}
			p, err := compilePath(sel.Path, sel.Operator)
			if err != nil {
				cf.err = err
				return cf
			}
			cf.path = p
			if len(sel.Methods) > 0 {
				cf.methods = make(map[string]struct{}, len(sel.Methods))
				for _, m := range sel.Methods {
					cf.methods[strings.ToUpper(m)] = struct{}{}
				}
			}
		case domain.SelectorChannel:
			cf.channels = append(cf.channels, sel)
		case domain.SelectorCondition:
			if strings.TrimSpace(sel.Condition) != "" {
				cf.conds = append(cf.conds, sel.Condition)
			}
		}
	}
	return cf
}

func matchChannel(sel domain.Selector, channel string) bool {
	if sel.Channel == "" {
		return true
	}
	if sel.Operator == domain.OperatorEquals {
		return channel == sel.Channel
	}
	return strings.HasPrefix(channel, sel.Channel)
}

// pathOf returns the compiled path pattern of fl for specificity ranking.
func (f *ConditionFilter) pathOf(fl *domain.Flow) *pathPattern {
	return f.compiled(fl).path
}
