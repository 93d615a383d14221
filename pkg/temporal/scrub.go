package temporal

import (
	"fmt"

	"confreg/internal/models"
	"confreg/pkg/nifti"
)

// ScrubMask flags the frames to keep. Every frame whose mean framewise
// displacement is at or above threshold is dropped together with one frame
// before and one after. Both ends are clamped to the series.
func ScrubMask(meanFD []float64, threshold float64) models.TemporalMask {
	n := len(meanFD)
	mask := make(models.TemporalMask, n)
	for i := range mask {
		mask[i] = true
	}
	for i, fd := range meanFD {
		if fd < threshold {
			continue
		}
		for j := max(0, i-1); j < min(n, i+2); j++ {
			mask[j] = false
		}
	}
	return mask
}

// Scrub drops high-motion frames from vol. The mask is computed on the full
// FD series and, when interval is not nil, restricted to it, matching a volume
// that was already interval-selected.
func Scrub(vol *nifti.Volume, meanFD []float64, threshold float64, interval *models.Interval) (*nifti.Volume, models.TemporalMask, error) {
	mask := ScrubMask(meanFD, threshold)
	if interval != nil {
		if err := CheckInterval(*interval, len(mask)); err != nil {
			return nil, nil, err
		}
		mask = mask.Slice(*interval)
	}
	if len(mask) != vol.Frames() {
		return nil, nil, fmt.Errorf("scrubbing mask has %d timepoints, volume has %d", len(mask), vol.Frames())
	}
	out, err := vol.SelectFrames(mask)
	if err != nil {
		return nil, nil, err
	}
	return out, mask, nil
}
