// Package fracindex produces fractional ordering keys for column positions.
//
// Inserting a task between two neighbors takes the midpoint of their keys,
// so a single insert never touches any other task. Midpoints shrink the
// available gap; once a gap drops below Epsilon the column needs a
// rebalance, which reassigns the whole column on a coarse 1000-step grid.
package fracindex

import (
	"errors"
	"math"
)

// Epsilon is the minimum usable gap between two adjacent keys. Gaps
// below it cannot absorb another float64 midpoint reliably, so the
// column must be re-densified.
const Epsilon = 1e-9

// Step is the gap between consecutive keys after a rebalance, leaving
// room for ~1000 midpoint insertions between any pair before the next
// rebalance.
const Step = 1000.0

// ErrInvalidRange is returned by Between when both bounds are supplied
// and prev is not strictly less than next.
var ErrInvalidRange = errors.New("fracindex: prev must be less than next")

// Between returns a key strictly between prev and next. A nil prev means
// "before everything" (lower bound 0); a nil next means "after prev"
// (upper bound prev+1). With both bounds nil the first key is 0.5.
func Between(prev, next *float64) (float64, error) {
	low := 0.0
	if prev != nil {
		low = *prev
	}
	high := low + 1
	if next != nil {
		high = *next
		if prev != nil && low >= high {
			return 0, ErrInvalidRange
		}
	}
	return low + (high-low)/2, nil
}

// Exhausted reports whether the gap between two adjacent keys is too
// small for further insertion.
func Exhausted(a, b float64) bool {
	return math.Abs(b-a) < Epsilon
}

// Rebalanced returns n keys on the coarse grid: 1000, 2000, ... n*1000.
// Callers assign them to a column's tasks in their current sort order.
func Rebalanced(n int) []float64 {
	keys := make([]float64, n)
	for i := range keys {
		keys[i] = float64(i+1) * Step
	}
	return keys
}
