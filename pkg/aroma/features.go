package aroma

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"confreg/pkg/cleaning"
)

// Classifier constants of the ICA-AROMA trained model.
const (
	ldaIntercept = -19.9751070082159
	ldaMaxRP     = 9.95127547670084
	ldaEdge      = 24.8333160239175

	csfThreshold = 0.10
	hfcThreshold = 0.35

	// hfcLowCut is the lowest frequency (Hz) considered by the high-frequency feature.
	hfcLowCut = 0.01

	// zThreshold selects the voxels of a z-scored map that count towards
	// the spatial features.
	zThreshold = 2.0
)

// Features are the four ICA-AROMA component features.
type Features struct {
	MaxRPCorr float64
	EdgeFract float64
	CSFFract  float64
	HFC       float64
}

// Motion applies the trained classifier.
func (f Features) Motion() bool {
	return f.LDA() > 0 || f.CSFFract > csfThreshold || f.HFC > hfcThreshold
}

// LDA returns the linear discriminant score on (maxRPcorr, edgeFract).
func (f Features) LDA() float64 {
	return ldaIntercept + ldaMaxRP*f.MaxRPCorr + ldaEdge*f.EdgeFract
}

// SpatialFractions computes the edge and CSF fractions of a z-scored map
// defined on the brain voxels. edge and csf are indexed like z. Only voxels
// with |z| >= zThreshold contribute.
func SpatialFractions(z []float64, edge, csf []bool) (edgeFract, csfFract float64) {
	var total, edgeSum, csfSum float64
	for i, v := range z {
		a := math.Abs(v)
		if a < zThreshold {
			continue
		}
		total += a
		if csf[i] {
			csfSum += a
		}
		if edge[i] {
			edgeSum += a
		}
	}
	if total == 0 {
		return 0, 0
	}
	csfFract = csfSum / total
	if rest := total - csfSum; rest > 0 {
		edgeFract = edgeSum / rest
	}
	return edgeFract, csfFract
}

// MotionRegressors expands six realignment parameters (timepoints x 6) to
// the 24 ICA-AROMA regressors: the parameters, their backward differences
// and the squares of both.
func MotionRegressors(rp *mat.Dense) *mat.Dense {
	t, c := rp.Dims()
	out := mat.NewDense(t, 4*c, nil)
	for j := 0; j < c; j++ {
		for i := 0; i < t; i++ {
			v := rp.At(i, j)
			d := 0.0
			if i > 0 {
				d = v - rp.At(i-1, j)
			}
			out.Set(i, j, v)
			out.Set(i, c+j, d)
			out.Set(i, 2*c+j, v*v)
			out.Set(i, 3*c+j, d*d)
		}
	}
	return out
}

// MaxAbsCorrelation returns the largest absolute Pearson correlation between
// tc and any column of regressors. Constant columns are skipped.
func MaxAbsCorrelation(tc []float64, regressors mat.Matrix) float64 {
	_, cols := regressors.Dims()
	col := make([]float64, len(tc))
	best := 0.0
	for j := 0; j < cols; j++ {
		mat.Col(col, j, regressors)
		r := stat.Correlation(tc, col, nil)
		if math.IsNaN(r) {
			continue
		}
		best = math.Max(best, math.Abs(r))
	}
	return best
}

// HighFrequencyContent returns the normalized frequency (0 at 0.01 Hz, 1 at
// Nyquist) below which half of the spectral amplitude above 0.01 Hz lies.
func HighFrequencyContent(tc []float64, tr float64) float64 {
	n := len(tc)
	if n < 4 || tr <= 0 {
		return 0
	}
	spectrum := amplitudeSpectrum(tc)
	freqs := cleaning.Frequencies(n, tr)
	nyquist := 1 / (2 * tr)
	if nyquist <= hfcLowCut {
		return 0
	}

	var total float64
	first := -1
	for k, f := range freqs {
		if f <= hfcLowCut {
			continue
		}
		if first < 0 {
			first = k
		}
		total += spectrum[k]
	}
	if first < 0 || total == 0 {
		return 0
	}

	var cum float64
	for k := first; k < len(freqs); k++ {
		cum += spectrum[k]
		if cum/total >= 0.5 {
			return (freqs[k] - hfcLowCut) / (nyquist - hfcLowCut)
		}
	}
	return 1
}

func amplitudeSpectrum(tc []float64) []float64 {
	coeffs := fourier.NewFFT(len(tc)).Coefficients(nil, tc)
	amp := make([]float64, len(coeffs))
	for i, c := range coeffs {
		amp[i] = cmplx.Abs(c)
	}
	return amp
}

// ComputeFeatures evaluates every component of a decomposition.
// zmaps is components x brain voxels, mixing timepoints x components.
func ComputeFeatures(zmaps, mixing mat.Matrix, edge, csf []bool, motion mat.Matrix, tr float64) []Features {
	k, v := zmaps.Dims()
	t, _ := mixing.Dims()
	features := make([]Features, k)
	z := make([]float64, v)
	tc := make([]float64, t)
	for c := 0; c < k; c++ {
		mat.Row(z, c, zmaps)
		mat.Col(tc, c, mixing)
		edgeFract, csfFract := SpatialFractions(z, edge, csf)
		features[c] = Features{
			MaxRPCorr: MaxAbsCorrelation(tc, motion),
			EdgeFract: edgeFract,
			CSFFract:  csfFract,
			HFC:       HighFrequencyContent(tc, tr),
		}
	}
	return features
}

// Classify returns the 1-based indices of the motion components.
func Classify(features []Features) []int {
	var motion []int
	for i, f := range features {
		if f.Motion() {
			motion = append(motion, i+1)
		}
	}
	return motion
}
