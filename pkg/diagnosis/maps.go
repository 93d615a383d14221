package diagnosis

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"confreg/pkg/ica"
	"confreg/pkg/nifti"
	"confreg/pkg/spatial"
)

// ErrEmptySeed is returned when a seed has no voxel inside the brain mask.
var ErrEmptySeed = errors.New("seed does not overlap the brain mask")

// TSNR returns the voxelwise temporal signal-to-noise ratio of vol, the mean
// over time divided by the population standard deviation. Voxels with no
// variance are 0.
func TSNR(vol *nifti.Volume) *nifti.Volume {
	out := nifti.NewImage(vol.Header)
	frame := out.Frame(0)
	ts := make([]float64, vol.Frames())
	for idx := range frame {
		ts = vol.Timeseries(idx, ts)
		mean, std := stat.PopMeanStdDev(ts, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		frame[idx] = mean / std
	}
	return out
}

// MeanInMask averages frame 0 of vol over the voxels of mask.
func MeanInMask(vol, mask *nifti.Volume) float64 {
	idx := mask.MaskIndices()
	if len(idx) == 0 {
		return 0
	}
	frame := vol.Frame(0)
	var sum float64
	for _, i := range idx {
		sum += frame[i]
	}
	return sum / float64(len(idx))
}

// ICAMaps decomposes the in-mask timeseries of vol and returns the z-scored
// spatial maps as a volume with one frame per component, together with the
// timepoints x components mixing matrix.
func ICAMaps(vol, mask *nifti.Volume, opts ica.Options) (*nifti.Volume, *mat.Dense, error) {
	if !vol.SameGrid(mask) {
		return nil, nil, errors.New("brain mask grid does not match the cleaned volume")
	}
	voxels := mask.MaskIndices()
	nt := vol.Frames()
	if len(voxels) < 2 || nt < 2 {
		return nil, nil, fmt.Errorf("%w: %d voxels, %d frames", ica.ErrNoComponents, len(voxels), nt)
	}

	data := mat.NewDense(nt, len(voxels), nil)
	ts := make([]float64, nt)
	for j, idx := range voxels {
		ts = vol.Timeseries(idx, ts)
		mean := stat.Mean(ts, nil)
		for t := range ts {
			ts[t] -= mean
		}
		data.SetCol(j, ts)
	}

	res, err := ica.Fit(data, opts)
	if err != nil {
		return nil, nil, err
	}
	zmaps := res.ZMaps()
	k := res.Components()

	out := nifti.NewVolume(vol.Header, k)
	row := make([]float64, len(voxels))
	for c := 0; c < k; c++ {
		mat.Row(row, c, zmaps)
		frame := out.Frame(c)
		for j, idx := range voxels {
			frame[idx] = row[j]
		}
	}
	return out, res.Mixing, nil
}

// WriteMix writes the mixing matrix as tab-separated rows, one per timepoint.
func WriteMix(path string, mix mat.Matrix) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	r, c := mix.Dims()
	fields := make([]string, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			fields[j] = strconv.FormatFloat(mix.At(i, j), 'g', -1, 64)
		}
		w.WriteString(strings.Join(fields, "\t"))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SeedCorrelation resamples seed onto the grid of vol, keeps the seed voxels
// inside mask, and correlates their mean timeseries with every mask voxel.
// It returns the one-frame correlation map and the number of seed voxels.
func SeedCorrelation(vol, mask, seed *nifti.Volume) (*nifti.Volume, int, error) {
	if !vol.SameGrid(mask) {
		return nil, 0, errors.New("brain mask grid does not match the cleaned volume")
	}
	resampled, err := spatial.ResampleNearest(seed, mask)
	if err != nil {
		return nil, 0, err
	}
	brain := spatial.Binarize(mask)
	inSeed := spatial.Binarize(resampled)

	nt := vol.Frames()
	seedTS := make([]float64, nt)
	ts := make([]float64, nt)
	var n int
	for idx, in := range inSeed {
		if !in || !brain[idx] {
			continue
		}
		ts = vol.Timeseries(idx, ts)
		for t, x := range ts {
			seedTS[t] += x
		}
		n++
	}
	if n == 0 {
		return nil, 0, ErrEmptySeed
	}
	for t := range seedTS {
		seedTS[t] /= float64(n)
	}

	out := nifti.NewImage(mask.Header)
	frame := out.Frame(0)
	if nt < 2 {
		return out, n, nil
	}
	_, seedStd := stat.PopMeanStdDev(seedTS, nil)
	if seedStd == 0 {
		return out, n, nil
	}
	for idx, in := range brain {
		if !in {
			continue
		}
		ts = vol.Timeseries(idx, ts)
		if _, std := stat.PopMeanStdDev(ts, nil); std == 0 {
			continue
		}
		r := stat.Correlation(seedTS, ts, nil)
		if !math.IsNaN(r) {
			frame[idx] = r
		}
	}
	return out, n, nil
}

// SeedName derives a seed label from its file name.
func SeedName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, nifti.Ext(base))
}
