package core

import "affectation_service/internal/domain/model"

// RelevanceFilter suppresses slivers. It is built per call from the
// caller's options and holds no shared state.
type RelevanceFilter struct {
	MinPercentage   float64
	MinAbsoluteArea float64
}

func NewRelevanceFilter(opts model.Options) RelevanceFilter {
	return RelevanceFilter{MinPercentage: opts.MinPercentage, MinAbsoluteArea: opts.MinAbsoluteArea}
}

// Passes reports whether an overlap is significant enough to be reported.
// Empty overlaps never pass, whatever the thresholds.
func (f RelevanceFilter) Passes(percentage, area float64) bool {
	if area <= 0 || percentage <= 0 {
		return false
	}
	return percentage >= f.MinPercentage && area >= f.MinAbsoluteArea
}
