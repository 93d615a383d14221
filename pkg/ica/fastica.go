// Package ica implements spatial independent component analysis of fMRI
// data with the symmetric FastICA algorithm.
//
// The data matrix X is timepoints x voxels. The decomposition is
//
//	X ≈ A·S + m·1ᵀ
//
// where A (timepoints x components) holds the component timecourses, S
// (components x voxels) the spatial maps, and m the spatial mean of every
// timepoint. Voxels are the samples: the maps are made maximally
// non-Gaussian and mutually independent.
package ica

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrNoComponents is returned when the data has no variance to decompose.
var ErrNoComponents = errors.New("data has no independent components")

// Options configures the decomposition.
type Options struct {
	// Components is the number of components; 0 selects it automatically
	// from the explained variance.
	Components int

	// VarianceThreshold is the fraction of variance retained by the
	// automatic dimensionality estimate.
	VarianceThreshold float64

	// MaxComponents caps the automatic estimate.
	MaxComponents int

	// MaxIter and Tol control FastICA convergence.
	MaxIter int
	Tol     float64

	// Seed makes the random initialization reproducible.
	Seed uint64
}

// DefaultOptions returns the settings used by the pipeline.
func DefaultOptions() Options {
	return Options{
		VarianceThreshold: 0.9,
		MaxComponents:     100,
		MaxIter:           500,
		Tol:               1e-6,
		Seed:              42,
	}
}

// Result is a fitted decomposition.
type Result struct {
	// Mixing is timepoints x components.
	Mixing *mat.Dense

	// Sources is components x voxels, each row with zero mean and unit variance.
	Sources *mat.Dense

	// Explained is the fraction of total variance carried by each component.
	Explained []float64

	Iterations int
	Converged  bool
}

// Components returns the number of fitted components.
func (r *Result) Components() int {
	_, k := r.Mixing.Dims()
	return k
}

// Fit decomposes x (timepoints x voxels).
func Fit(x mat.Matrix, opts Options) (*Result, error) {
	t, v := x.Dims()
	if t < 2 || v < 2 {
		return nil, fmt.Errorf("%w: need at least 2 timepoints and 2 voxels, got %dx%d", ErrNoComponents, t, v)
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = DefaultOptions().MaxIter
	}
	if opts.Tol <= 0 {
		opts.Tol = DefaultOptions().Tol
	}

	// Centre every timepoint across voxels.
	xc := mat.DenseCopyOf(x)
	row := make([]float64, v)
	for i := 0; i < t; i++ {
		mat.Row(row, i, xc)
		mean := stat.Mean(row, nil)
		for j := range row {
			row[j] -= mean
		}
		xc.SetRow(i, row)
	}

	// PCA on the timepoint covariance.
	var cov mat.SymDense
	cov.SymOuterK(1/float64(v), xc)
	var eig mat.EigenSym
	if !eig.Factorize(&cov, true) {
		return nil, errors.New("eigendecomposition of the covariance failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// EigenSym sorts ascending; walk from the largest.
	order := make([]int, t)
	for i := range order {
		order[i] = t - 1 - i
	}
	var total float64
	for _, lambda := range values {
		if lambda > 0 {
			total += lambda
		}
	}
	if total <= 0 {
		return nil, ErrNoComponents
	}
	rank := 0
	for _, idx := range order {
		if values[idx] > 1e-12*values[order[0]] {
			rank++
		}
	}

	k := opts.Components
	if k <= 0 {
		k = estimateDimension(values, order, total, opts)
	}
	if k > rank {
		k = rank
	}
	if k < 1 {
		return nil, ErrNoComponents
	}

	// Whitening K (k x t) and its pseudo-inverse (t x k).
	whiten := mat.NewDense(k, t, nil)
	dewhiten := mat.NewDense(t, k, nil)
	for c := 0; c < k; c++ {
		idx := order[c]
		scale := math.Sqrt(values[idx])
		for i := 0; i < t; i++ {
			e := vectors.At(i, idx)
			whiten.Set(c, i, e/scale)
			dewhiten.Set(i, c, e*scale)
		}
	}
	var z mat.Dense
	z.Mul(whiten, xc)

	w, iterations, converged, err := symmetricFastICA(&z, k, opts)
	if err != nil {
		return nil, err
	}

	var sources mat.Dense
	sources.Mul(w, &z)
	var mixing mat.Dense
	mixing.Mul(dewhiten, w.T())

	res := &Result{
		Mixing:     &mixing,
		Sources:    &sources,
		Iterations: iterations,
		Converged:  converged,
	}
	res.orient()
	res.sortByVariance(total)
	return res, nil
}

// estimateDimension returns the smallest number of principal components
// reaching the variance threshold, capped by MaxComponents.
func estimateDimension(values []float64, order []int, total float64, opts Options) int {
	threshold := opts.VarianceThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultOptions().VarianceThreshold
	}
	limit := opts.MaxComponents
	if limit <= 0 {
		limit = DefaultOptions().MaxComponents
	}

	var cum float64
	for i, idx := range order {
		if values[idx] > 0 {
			cum += values[idx]
		}
		if cum/total >= threshold || i+1 >= limit {
			return i + 1
		}
	}
	return len(order)
}

// symmetricFastICA estimates the k x k unmixing matrix for whitened data z
// (k x voxels) with the tanh contrast and symmetric decorrelation.
func symmetricFastICA(z *mat.Dense, k int, opts Options) (*mat.Dense, int, bool, error) {
	_, v := z.Dims()
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	w0 := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			w0.Set(i, j, rng.NormFloat64())
		}
	}
	w, err := decorrelate(w0)
	if err != nil {
		return nil, 0, false, err
	}

	var (
		wz   mat.Dense
		gz   = mat.NewDense(k, v, nil)
		next = mat.NewDense(k, k, nil)
		gRow = make([]float64, v)
	)
	for iter := 1; iter <= opts.MaxIter; iter++ {
		wz.Mul(w, z)
		derivMean := make([]float64, k)
		for i := 0; i < k; i++ {
			mat.Row(gRow, i, &wz)
			var sum float64
			for j, u := range gRow {
				g := math.Tanh(u)
				gRow[j] = g
				sum += 1 - g*g
			}
			derivMean[i] = sum / float64(v)
			gz.SetRow(i, gRow)
		}

		// next = g(WZ)·Zᵀ/V - diag(mean g'(WZ))·W
		next.Mul(gz, z.T())
		next.Scale(1/float64(v), next)
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				next.Set(i, j, next.At(i, j)-derivMean[i]*w.At(i, j))
			}
		}

		updated, err := decorrelate(next)
		if err != nil {
			return nil, iter, false, err
		}

		// Convergence: every new row is parallel to its old one.
		var change float64
		for i := 0; i < k; i++ {
			dot := mat.Dot(updated.RowView(i), w.RowView(i))
			change = math.Max(change, math.Abs(math.Abs(dot)-1))
		}
		w = updated
		if change < opts.Tol {
			return w, iter, true, nil
		}
	}
	return w, opts.MaxIter, false, nil
}

// decorrelate returns (W·Wᵀ)^(-1/2)·W.
func decorrelate(w *mat.Dense) (*mat.Dense, error) {
	k, _ := w.Dims()
	var gram mat.SymDense
	gram.SymOuterK(1, w)

	var eig mat.EigenSym
	if !eig.Factorize(&gram, true) {
		return nil, errors.New("symmetric decorrelation failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	inv := mat.NewDiagDense(k, nil)
	for i, lambda := range values {
		if lambda <= 0 {
			return nil, errors.New("unmixing matrix became singular")
		}
		inv.SetDiag(i, 1/math.Sqrt(lambda))
	}
	var root, tmp, out mat.Dense
	tmp.Mul(&vectors, inv)
	root.Mul(&tmp, vectors.T())
	out.Mul(&root, w)
	return &out, nil
}

// orient flips every component so its map has positive skew. The mixing
// column is flipped with it, leaving the product unchanged.
func (r *Result) orient() {
	k := r.Components()
	t, _ := r.Mixing.Dims()
	_, v := r.Sources.Dims()
	row := make([]float64, v)
	for c := 0; c < k; c++ {
		mat.Row(row, c, r.Sources)
		if stat.Skew(row, nil) >= 0 {
			continue
		}
		for j := range row {
			row[j] = -row[j]
		}
		r.Sources.SetRow(c, row)
		for i := 0; i < t; i++ {
			r.Mixing.Set(i, c, -r.Mixing.At(i, c))
		}
	}
}

// sortByVariance orders components by the variance their rank-one term
// contributes and fills Explained.
func (r *Result) sortByVariance(total float64) {
	k := r.Components()
	t, _ := r.Mixing.Dims()
	_, v := r.Sources.Dims()

	explained := make([]float64, k)
	col := make([]float64, t)
	row := make([]float64, v)
	for c := 0; c < k; c++ {
		mat.Col(col, c, r.Mixing)
		mat.Row(row, c, r.Sources)
		_, sd := stat.PopMeanStdDev(row, nil)
		explained[c] = mat.Dot(mat.NewVecDense(t, col), mat.NewVecDense(t, col)) * sd * sd / total
	}

	order := make([]int, k)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return explained[order[a]] > explained[order[b]] })

	mixing := mat.NewDense(t, k, nil)
	sources := mat.NewDense(k, v, nil)
	r.Explained = make([]float64, k)
	for dst, src := range order {
		mixing.SetCol(dst, mat.Col(col, src, r.Mixing))
		sources.SetRow(dst, mat.Row(row, src, r.Sources))
		r.Explained[dst] = explained[src]
	}
	r.Mixing = mixing
	r.Sources = sources
}

// ZMaps returns the spatial maps standardized to zero mean and unit
// variance over voxels.
func (r *Result) ZMaps() *mat.Dense {
	k, v := r.Sources.Dims()
	out := mat.NewDense(k, v, nil)
	row := make([]float64, v)
	for c := 0; c < k; c++ {
		mat.Row(row, c, r.Sources)
		mean, sd := stat.PopMeanStdDev(row, nil)
		if sd == 0 {
			sd = 1
		}
		for j := range row {
			row[j] = (row[j] - mean) / sd
		}
		out.SetRow(c, row)
	}
	return out
}
