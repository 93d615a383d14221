// Package temporal restricts volumes and confound matrices along the time axis:
// interval selection and motion scrubbing.
package temporal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"confreg/internal/models"
	"confreg/pkg/nifti"
)

// ErrInvalidInterval is returned for an empty or out-of-range timepoint interval.
var ErrInvalidInterval = errors.New("invalid timepoint interval")

// ParseInterval parses "all" (or "") as nil and "low,high" as a half-open interval.
func ParseInterval(s string) (*models.Interval, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: %q, expected \"low,high\"", ErrInvalidInterval, s)
	}
	low, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidInterval, s, err)
	}
	high, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidInterval, s, err)
	}
	if low < 0 || low >= high {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, models.Interval{Low: low, High: high})
	}
	return &models.Interval{Low: low, High: high}, nil
}

// CheckInterval validates an interval against a series of n timepoints.
func CheckInterval(interval models.Interval, n int) error {
	if interval.Low < 0 || interval.Low >= interval.High || interval.High > n {
		return fmt.Errorf("%w: %s for %d timepoints", ErrInvalidInterval, interval, n)
	}
	return nil
}

// IntervalMask returns the temporal mask of length n keeping only the interval.
func IntervalMask(n int, interval models.Interval) (models.TemporalMask, error) {
	if err := CheckInterval(interval, n); err != nil {
		return nil, err
	}
	mask := make(models.TemporalMask, n)
	for i := interval.Low; i < interval.High; i++ {
		mask[i] = true
	}
	return mask, nil
}

// SelectInterval returns the frames [Low, High) of vol. The header and affine
// are preserved; only the frame count changes.
func SelectInterval(vol *nifti.Volume, interval models.Interval) (*nifti.Volume, error) {
	mask, err := IntervalMask(vol.Frames(), interval)
	if err != nil {
		return nil, err
	}
	return vol.SelectFrames(mask)
}

// SliceRows returns the rows [Low, High) of a confound matrix so it stays
// aligned with an interval-selected volume. A nil matrix stays nil.
func SliceRows(m *mat.Dense, interval models.Interval) (*mat.Dense, error) {
	if m == nil {
		return nil, nil
	}
	rows, cols := m.Dims()
	if err := CheckInterval(interval, rows); err != nil {
		return nil, err
	}
	out := mat.NewDense(interval.Len(), cols, nil)
	out.Copy(m.Slice(interval.Low, interval.High, 0, cols))
	return out, nil
}
