// Package visualization renders grayscale JPEG previews of volume slices for
// the diagnosis reports.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"confreg/pkg/nifti"
)

// Viewer renders slices of one frame of a volume. Intensities are scaled
// linearly from the frame's finite minimum and maximum to the gray range.
type Viewer struct {
	// data holds the frame, x fastest
	data []float64

	// dimensions of the frame
	width  int
	height int
	depth  int

	low  float64
	high float64
}

// NewViewer creates a viewer over frame t of vol.
func NewViewer(vol *nifti.Volume, t int) (*Viewer, error) {
	nx, ny, nz, nt := vol.Dims()
	if t < 0 || t >= nt {
		return nil, fmt.Errorf("frame %d out of range 0..%d", t, nt-1)
	}
	v := &Viewer{
		data:   vol.Frame(t),
		width:  nx,
		height: ny,
		depth:  nz,
		low:    math.Inf(1),
		high:   math.Inf(-1),
	}
	for _, x := range v.data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		v.low = math.Min(v.low, x)
		v.high = math.Max(v.high, x)
	}
	if v.low > v.high {
		v.low, v.high = 0, 0
	}
	return v, nil
}

// Range returns the intensity window.
func (v *Viewer) Range() (low, high float64) { return v.low, v.high }

// gray maps a sample into the window; a flat frame renders black.
func (v *Viewer) gray(x float64) color.Gray16 {
	if v.high <= v.low || math.IsNaN(x) {
		return color.Gray16{}
	}
	s := (x - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, s*65535)))}
}

// size returns the extent of the given axis.
func (v *Viewer) size(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.width, nil
	case "y", "Y":
		return v.height, nil
	case "z", "Z":
		return v.depth, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts a 2D slice perpendicular to axis at position.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	n, err := v.size(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d out of range 0..%d along %s", position, n-1, axis)
	}

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// YZ plane
		img = image.NewGray16(image.Rect(0, 0, v.height, v.depth))
		for z := 0; z < v.depth; z++ {
			for y := 0; y < v.height; y++ {
				img.SetGray16(y, v.depth-1-z, v.gray(v.data[z*v.width*v.height+y*v.width+position]))
			}
		}
	case "y", "Y":
		// XZ plane
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, v.depth-1-z, v.gray(v.data[z*v.width*v.height+position*v.width+x]))
			}
		}
	default:
		// XY plane
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, v.height-1-y, v.gray(v.data[position*v.width*v.height+y*v.width+x]))
			}
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveMidSlices writes the middle slice along each axis as
// {prefix}_{axis}.jpg in outputDir and returns the written paths.
func (v *Viewer) SaveMidSlices(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		n, _ := v.size(axis)
		img, err := v.ExtractSlice(axis, n/2)
		if err != nil {
			return nil, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
