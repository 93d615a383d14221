package spatial

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"confreg/pkg/nifti"
)

// ResampleNearest maps frame 0 of src onto the grid of target through the two
// voxel-to-world affines, taking the nearest source voxel for every target
// voxel. Target voxels that fall outside src are 0.
func ResampleNearest(src, target *nifti.Volume) (*nifti.Volume, error) {
	srcAffine := toDense(src.Affine())
	var worldToSrc mat.Dense
	if err := worldToSrc.Inverse(srcAffine); err != nil {
		return nil, fmt.Errorf("source affine is not invertible: %w", err)
	}

	var targetToSrc mat.Dense
	targetToSrc.Mul(&worldToSrc, toDense(target.Affine()))

	sx, sy, sz, _ := src.Dims()
	tx, ty, tz, _ := target.Dims()
	out := nifti.NewImage(target.Header)
	frame := out.Frame(0)

	ijk := mat.NewVecDense(4, nil)
	var mapped mat.VecDense
	for z := 0; z < tz; z++ {
		for y := 0; y < ty; y++ {
			for x := 0; x < tx; x++ {
				ijk.SetVec(0, float64(x))
				ijk.SetVec(1, float64(y))
				ijk.SetVec(2, float64(z))
				ijk.SetVec(3, 1)
				mapped.MulVec(&targetToSrc, ijk)

				i := int(math.Round(mapped.AtVec(0)))
				j := int(math.Round(mapped.AtVec(1)))
				k := int(math.Round(mapped.AtVec(2)))
				if i < 0 || j < 0 || k < 0 || i >= sx || j >= sy || k >= sz {
					continue
				}
				frame[out.Index(x, y, z)] = src.At(i, j, k, 0)
			}
		}
	}
	return out, nil
}

func toDense(a [4][4]float64) *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, a[i][j])
		}
	}
	return m
}
