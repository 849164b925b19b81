package flow

import (
	"iter"

	"github.com/polisai/polis-gateway/pkg/domain"
)

var rootPattern = &pathPattern{raw: "/", operator: domain.OperatorStartsWith}

// BestMatchSelector reduces matching flows to the single most specific one.
// Equally specific flows keep declaration order: the first one wins.
type BestMatchSelector struct {
	filter *ConditionFilter
}

// NewBestMatchSelector creates a selector reading compiled paths from filter.
func NewBestMatchSelector(filter *ConditionFilter) *BestMatchSelector {
	return &BestMatchSelector{filter: filter}
}

// Select consumes candidates and yields at most one flow.
func (s *BestMatchSelector) Select(candidates iter.Seq[*domain.Flow]) iter.Seq[*domain.Flow] {
	return func(yield func(*domain.Flow) bool) {
		var (
			best     *domain.Flow
			bestPath *pathPattern
		)
		for fl := range candidates {
			p := s.path(fl)
			if best == nil || compareSpecificity(p, bestPath) > 0 {
				best, bestPath = fl, p
			}
		}
		if best != nil {
			yield(best)
		}
	}
}

func (s *BestMatchSelector) path(fl *domain.Flow) *pathPattern {
	if p := s.filter.pathOf(fl); p != nil {
		return p
	}
	return rootPattern
}
