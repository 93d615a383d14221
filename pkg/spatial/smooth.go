// Package spatial implements the voxel-grid operations of the pipeline:
// Gaussian smoothing, mask morphology and resampling between grids.
package spatial

import (
	"math"

	"confreg/pkg/nifti"
)

// fwhmToSigma converts a full width at half maximum to a standard deviation.
var fwhmToSigma = 1 / math.Sqrt(8*math.Log(2))

// truncate is the kernel half-width in standard deviations.
const truncate = 4.0

// Smooth applies an isotropic Gaussian kernel of the given FWHM (in the
// units of the voxel size, normally mm) to every frame of vol and returns a
// new volume. A FWHM of 0 returns an unsmoothed copy. Non-finite samples are
// zeroed first.
func Smooth(vol *nifti.Volume, fwhm float64) *nifti.Volume {
	out := vol.Clone()
	for i, v := range out.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out.Data[i] = 0
		}
	}
	if fwhm <= 0 {
		return out
	}

	nx, ny, nz, nt := out.Dims()
	dims := [3]int{nx, ny, nz}
	strides := [3]int{1, nx, nx * ny}
	voxel := out.Header.VoxelSize()

	for axis := 0; axis < 3; axis++ {
		if dims[axis] < 2 || voxel[axis] == 0 {
			continue
		}
		kernel := gaussianKernel(fwhm * fwhmToSigma / voxel[axis])
		if len(kernel) == 1 {
			continue
		}
		for t := 0; t < nt; t++ {
			convolveAxis(out.Frame(t), dims, strides, axis, kernel)
		}
	}
	return out
}

// gaussianKernel returns a normalized kernel of radius int(truncate*sigma+0.5).
func gaussianKernel(sigma float64) []float64 {
	radius := int(truncate*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis filters every line of frame along axis in place. The boundary
// is extended by reflection about the edge (d c b a | a b c d | d c b a).
func convolveAxis(frame []float64, dims, strides [3]int, axis int, kernel []float64) {
	n := dims[axis]
	stride := strides[axis]
	radius := len(kernel) / 2
	line := make([]float64, n)
	filtered := make([]float64, n)

	// The two axes orthogonal to axis enumerate the line origins.
	a, b := (axis+1)%3, (axis+2)%3
	for i := 0; i < dims[a]; i++ {
		for j := 0; j < dims[b]; j++ {
			origin := i*strides[a] + j*strides[b]
			for k := 0; k < n; k++ {
				line[k] = frame[origin+k*stride]
			}
			for k := 0; k < n; k++ {
				var acc float64
				for o := -radius; o <= radius; o++ {
					acc += kernel[o+radius] * line[reflect(k+o, n)]
				}
				filtered[k] = acc
			}
			for k := 0; k < n; k++ {
				frame[origin+k*stride] = filtered[k]
			}
		}
	}
}

// reflect maps an out-of-range index back into [0, n) with half-sample symmetry.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}
