// Package cleaning removes nuisance signal from voxel timeseries: linear
// detrending, frequency-domain band-pass filtering, confound projection and
// standardization, applied in that order.
package cleaning

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"confreg/pkg/nifti"
)

var (
	// ErrZeroRepetitionTime is returned when filtering is requested without a positive TR.
	ErrZeroRepetitionTime = errors.New("repetition time must be positive")

	// ErrFrameMismatch is returned when the confound rows and the signal timepoints differ.
	ErrFrameMismatch = errors.New("confound rows do not match signal timepoints")
)

const eps = 1e-12

// rankTolerance drops confound directions whose singular value is below
// this fraction of the largest one.
const rankTolerance = 1e-10

// Options configures a cleaning pass.
type Options struct {
	// Detrend removes the linear trend of signals and confounds.
	Detrend bool

	// Standardize z-scores every cleaned timeseries.
	Standardize bool

	// LowPass and HighPass are cutoffs in Hz; 0 disables either side.
	LowPass  float64
	HighPass float64

	// TR is the repetition time in seconds. Required when filtering.
	TR float64
}

// Filtering reports whether a band-pass cutoff is set.
func (o Options) Filtering() bool { return o.LowPass > 0 || o.HighPass > 0 }

// Validate checks the options independently of any data.
func (o Options) Validate() error {
	if o.LowPass < 0 || o.HighPass < 0 {
		return fmt.Errorf("filter cutoffs must be non-negative (lowpass %g, highpass %g)", o.LowPass, o.HighPass)
	}
	if o.Filtering() && o.TR <= 0 {
		return fmt.Errorf("%w: band-pass filtering with TR %g", ErrZeroRepetitionTime, o.TR)
	}
	if o.LowPass > 0 && o.HighPass > 0 && o.LowPass <= o.HighPass {
		return fmt.Errorf("lowpass %g Hz must exceed highpass %g Hz", o.LowPass, o.HighPass)
	}
	return nil
}

// Cleaner applies one cleaning pass to timeseries of a fixed length. It
// holds the processed confound basis so that many voxels can be cleaned
// against the same confounds.
type Cleaner struct {
	opts  Options
	n     int
	bp    *bandPass
	basis *mat.Dense
}

// NewCleaner prepares a pass over series of n timepoints. confounds may be
// nil, in which case no regression is performed.
func NewCleaner(n int, confounds mat.Matrix, opts Options) (*Cleaner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &Cleaner{opts: opts, n: n}
	if opts.Filtering() {
		c.bp = newBandPass(n, opts.TR, opts.LowPass, opts.HighPass)
	}

	if confounds == nil {
		return c, nil
	}
	rows, cols := confounds.Dims()
	if rows != n {
		return nil, fmt.Errorf("%w: %d confound rows, %d timepoints", ErrFrameMismatch, rows, n)
	}
	if cols == 0 || n == 0 {
		return c, nil
	}

	// Confounds go through the same detrend and filter as the signals so the
	// projection removes only what remains in the signals.
	processed := mat.NewDense(rows, cols, nil)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, confounds)
		for i, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				col[i] = 0
			}
		}
		c.prepare(col)
		Zscore(col)
		processed.SetCol(j, col)
	}
	c.basis = orthonormalBasis(processed)
	return c, nil
}

// prepare runs the steps shared by signals and confounds.
func (c *Cleaner) prepare(x []float64) {
	if c.opts.Detrend {
		Detrend(x)
	}
	c.bp.apply(x)
}

// CleanSeries cleans one timeseries in place.
func (c *Cleaner) CleanSeries(x []float64) error {
	if len(x) != c.n {
		return fmt.Errorf("%w: series has %d timepoints, expected %d", ErrFrameMismatch, len(x), c.n)
	}
	if c.n == 0 {
		return nil
	}
	c.prepare(x)
	if c.basis != nil {
		_, k := c.basis.Dims()
		y := mat.NewVecDense(c.n, x)
		coef := mat.NewVecDense(k, nil)
		coef.MulVec(c.basis.T(), y)
		var fitted mat.VecDense
		fitted.MulVec(c.basis, coef)
		y.SubVec(y, &fitted)
	}
	if c.opts.Standardize {
		Zscore(x)
	}
	return nil
}

// orthonormalBasis returns the left singular vectors spanning the column
// space of m, or nil when m has rank 0.
func orthonormalBasis(m *mat.Dense) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDThin) {
		return nil
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[0] <= 0 {
		return nil
	}
	rank := 0
	for _, s := range values {
		if s > rankTolerance*values[0] {
			rank++
		}
	}

	var u mat.Dense
	svd.UTo(&u)
	rows, _ := u.Dims()
	basis := mat.NewDense(rows, rank, nil)
	basis.Copy(u.Slice(0, rows, 0, rank))
	return basis
}

// Clean cleans every column of signals (timepoints x series) and returns
// the result as a new matrix.
func Clean(signals mat.Matrix, confounds mat.Matrix, opts Options) (*mat.Dense, error) {
	n, cols := signals.Dims()
	c, err := NewCleaner(n, confounds, opts)
	if err != nil {
		return nil, err
	}
	out := mat.DenseCopyOf(signals)
	col := make([]float64, n)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, out)
		if err := c.CleanSeries(col); err != nil {
			return nil, err
		}
		out.SetCol(j, col)
	}
	return out, nil
}

// CleanVolume cleans the timeseries of every voxel inside mask and returns a
// new volume with the header of vol. Voxels outside the mask are 0.
func CleanVolume(vol *nifti.Volume, mask *nifti.Volume, confounds mat.Matrix, opts Options) (*nifti.Volume, error) {
	if !vol.SameGrid(mask) {
		return nil, errors.New("brain mask grid does not match the bold volume")
	}
	c, err := NewCleaner(vol.Frames(), confounds, opts)
	if err != nil {
		return nil, err
	}

	out := nifti.NewVolume(vol.Header, vol.Frames())
	ts := make([]float64, vol.Frames())
	for _, idx := range mask.MaskIndices() {
		ts = vol.Timeseries(idx, ts)
		if err := c.CleanSeries(ts); err != nil {
			return nil, err
		}
		out.SetTimeseries(idx, ts)
	}
	return out, nil
}
