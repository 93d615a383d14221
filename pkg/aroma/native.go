package aroma

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"confreg/pkg/ica"
	"confreg/pkg/nifti"
	"confreg/pkg/spatial"
)

// Native runs ICA-AROMA in-process.
type Native struct {
	settings
}

// NewNative returns the in-process denoiser.
func NewNative(opts ...Option) *Native {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return &Native{settings: s}
}

// Denoise decomposes the bold series inside the brain mask, classifies the
// components and removes the motion ones.
func (n *Native) Denoise(ctx context.Context, in Input) (Output, error) {
	if err := in.Validate(); err != nil {
		return Output{}, err
	}
	in, err := in.absolute()
	if err != nil {
		return Output{}, err
	}
	if err := os.MkdirAll(in.OutDir, 0755); err != nil {
		return Output{}, fmt.Errorf("failed to create ICA-AROMA output directory: %w", err)
	}

	bold, err := nifti.Read(in.BoldPath)
	if err != nil {
		return Output{}, err
	}
	brain, err := nifti.Read(in.BrainMaskPath)
	if err != nil {
		return Output{}, err
	}
	csf, err := nifti.Read(in.CSFMaskPath)
	if err != nil {
		return Output{}, err
	}
	if !bold.SameGrid(brain) || !bold.SameGrid(csf) {
		return Output{}, fmt.Errorf("bold, brain mask and CSF mask grids differ")
	}
	rp, err := ReadMotionPar(in.MotionParPath)
	if err != nil {
		return Output{}, err
	}
	if rows, _ := rp.Dims(); rows != bold.Frames() {
		return Output{}, fmt.Errorf("motion parameters have %d rows, bold has %d frames", rows, bold.Frames())
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	voxels := brain.MaskIndices()
	if len(voxels) < 2 {
		return Output{}, fmt.Errorf("brain mask has %d voxels", len(voxels))
	}
	data, means := brainMatrix(bold, voxels)

	opts := n.ica
	opts.Components = in.Dim
	n.logger.Info("Running spatial ICA",
		zap.Int("timepoints", bold.Frames()),
		zap.Int("voxels", len(voxels)),
		zap.Int("dim", in.Dim))
	res, err := ica.Fit(data, opts)
	if err != nil {
		return Output{}, fmt.Errorf("ICA decomposition failed: %w", err)
	}
	if !res.Converged {
		n.logger.Warn("FastICA did not converge", zap.Int("iterations", res.Iterations))
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	edgeFull, err := spatial.EdgeMask(brain, n.edgeDepth)
	if err != nil {
		return Output{}, err
	}
	csfFull := spatial.Binarize(csf)
	edge := make([]bool, len(voxels))
	csfIn := make([]bool, len(voxels))
	for i, idx := range voxels {
		edge[i] = edgeFull[idx]
		csfIn[i] = csfFull[idx]
	}

	features := ComputeFeatures(res.ZMaps(), res.Mixing, edge, csfIn, MotionRegressors(rp), in.TR)
	motion := Classify(features)
	n.logger.Info("Classified components",
		zap.Int("components", res.Components()),
		zap.Ints("motion", motion))

	if err := WriteMotionComponents(filepath.Join(in.OutDir, MotionICsFile), motion); err != nil {
		return Output{}, err
	}
	if err := WriteOverview(filepath.Join(in.OutDir, OverviewFile), features); err != nil {
		return Output{}, err
	}

	cleaned, err := RemoveComponents(data, res.Mixing, motion, in.Mode)
	if err != nil {
		return Output{}, err
	}

	out := bold.Clone()
	ts := make([]float64, bold.Frames())
	for j, idx := range voxels {
		mat.Col(ts, j, cleaned)
		for t := range ts {
			ts[t] += means[j]
		}
		out.SetTimeseries(idx, ts)
	}

	path := filepath.Join(in.OutDir, DenoisedFile(in.Mode))
	if err := nifti.Write(path, out); err != nil {
		return Output{}, err
	}
	return Output{DenoisedPath: path, MotionComponents: motion}, nil
}

// brainMatrix returns the temporally demeaned timeseries of the voxels as a
// timepoints x voxels matrix, with the removed means.
func brainMatrix(vol *nifti.Volume, voxels []int) (*mat.Dense, []float64) {
	nt := vol.Frames()
	data := mat.NewDense(nt, len(voxels), nil)
	means := make([]float64, len(voxels))
	ts := make([]float64, nt)
	for j, idx := range voxels {
		ts = vol.Timeseries(idx, ts)
		mean := stat.Mean(ts, nil)
		for t := range ts {
			ts[t] -= mean
		}
		means[j] = mean
		data.SetCol(j, ts)
	}
	return data, means
}

// RemoveComponents regresses the components listed in motion (1-based) out
// of data (timepoints x voxels, demeaned). NonAggressive fits all component
// timecourses jointly and subtracts the motion part of the fit; Aggressive
// fits and subtracts the motion timecourses alone.
func RemoveComponents(data *mat.Dense, mixing *mat.Dense, motion []int, mode Mode) (*mat.Dense, error) {
	out := mat.DenseCopyOf(data)
	if len(motion) == 0 {
		return out, nil
	}
	t, k := mixing.Dims()
	noise := mat.NewDense(t, len(motion), nil)
	col := make([]float64, t)
	for j, ic := range motion {
		if ic < 1 || ic > k {
			return nil, fmt.Errorf("component %d out of range 1..%d", ic, k)
		}
		noise.SetCol(j, mat.Col(col, ic-1, mixing))
	}

	var fitted mat.Dense
	switch mode {
	case "", NonAggressive:
		var beta mat.Dense
		if err := beta.Solve(mixing, data); err != nil {
			return nil, fmt.Errorf("component regression failed: %w", err)
		}
		_, v := beta.Dims()
		noiseBeta := mat.NewDense(len(motion), v, nil)
		row := make([]float64, v)
		for j, ic := range motion {
			noiseBeta.SetRow(j, mat.Row(row, ic-1, &beta))
		}
		fitted.Mul(noise, noiseBeta)
	case Aggressive:
		var beta mat.Dense
		if err := beta.Solve(noise, data); err != nil {
			return nil, fmt.Errorf("component regression failed: %w", err)
		}
		fitted.Mul(noise, &beta)
	default:
		return nil, fmt.Errorf("unknown ICA-AROMA denoising mode %q", mode)
	}
	out.Sub(out, &fitted)
	return out, nil
}
