package spatial

import (
	"fmt"

	"confreg/pkg/nifti"
)

// Binarize returns the mask of frame 0 of vol (value > 0).
func Binarize(vol *nifti.Volume) []bool {
	frame := vol.Frame(0)
	mask := make([]bool, len(frame))
	for i, v := range frame {
		mask[i] = v > 0
	}
	return mask
}

// Erode removes the mask voxels with a 6-connected neighbour outside the mask
// or outside the grid. Axes of length 1 are ignored so single-slice masks
// erode in-plane only.
func Erode(mask []bool, nx, ny, nz int) []bool {
	inside := func(x, y, z int) bool {
		if x < 0 || y < 0 || z < 0 || x >= nx || y >= ny || z >= nz {
			return false
		}
		return mask[x+nx*(y+ny*z)]
	}

	out := make([]bool, len(mask))
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				idx := x + nx*(y+ny*z)
				if !mask[idx] {
					continue
				}
				keep := true
				if nx > 1 {
					keep = keep && inside(x-1, y, z) && inside(x+1, y, z)
				}
				if ny > 1 {
					keep = keep && inside(x, y-1, z) && inside(x, y+1, z)
				}
				if nz > 1 {
					keep = keep && inside(x, y, z-1) && inside(x, y, z+1)
				}
				out[idx] = keep
			}
		}
	}
	return out
}

// EdgeMask returns the brain-mask voxels removed by depth erosions, i.e. the
// outer shell of the brain.
func EdgeMask(brain *nifti.Volume, depth int) ([]bool, error) {
	if depth < 1 {
		return nil, fmt.Errorf("edge depth must be positive, got %d", depth)
	}
	nx, ny, nz, _ := brain.Dims()
	mask := Binarize(brain)

	core := mask
	for i := 0; i < depth; i++ {
		core = Erode(core, nx, ny, nz)
	}

	edge := make([]bool, len(mask))
	for i := range mask {
		edge[i] = mask[i] && !core[i]
	}
	return edge, nil
}

// Count returns the number of set voxels.
func Count(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}
