package models

import "fmt"

// Interval is a half-open timepoint range [Low, High).
type Interval struct {
	Low  int
	High int
}

// Len returns the number of timepoints in the interval.
func (i Interval) Len() int { return i.High - i.Low }

func (i Interval) String() string { return fmt.Sprintf("[%d,%d)", i.Low, i.High) }

// TemporalMask marks the timepoints to keep.
type TemporalMask []bool

// Kept returns the number of retained timepoints.
func (m TemporalMask) Kept() int {
	n := 0
	for _, keep := range m {
		if keep {
			n++
		}
	}
	return n
}

// Slice restricts the mask to the interval.
func (m TemporalMask) Slice(i Interval) TemporalMask {
	return append(TemporalMask(nil), m[i.Low:i.High]...)
}
