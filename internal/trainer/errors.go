package trainer

import (
	"fmt"
	"math"
)

// DivergenceError reports a non-finite loss or gradient. No optimizer step
// was applied for the offending parameter set and training is halted.
type DivergenceError struct {
	Phase Phase
	Term  string
	Value float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%s: %s diverged (%v)", e.Phase, e.Term, e.Value)
}

func checkFinite(phase Phase, term string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &DivergenceError{Phase: phase, Term: term, Value: v}
	}
	return nil
}
