package cleaning

import (
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// Detrend removes the least-squares linear trend (and mean) from x in place.
func Detrend(x []float64) {
	n := len(x)
	if n == 0 {
		return
	}
	tMean := float64(n-1) / 2
	yMean := stat.Mean(x, nil)

	var sxy, sxx float64
	for i, v := range x {
		tc := float64(i) - tMean
		sxy += tc * (v - yMean)
		sxx += tc * tc
	}
	slope := 0.0
	if sxx > 0 {
		slope = sxy / sxx
	}
	for i := range x {
		x[i] -= yMean + slope*(float64(i)-tMean)
	}
}

// bandPass zeroes the Fourier coefficients outside [highPass, lowPass] Hz.
// A zero cutoff disables that side of the filter.
type bandPass struct {
	fft    *fourier.FFT
	n      int
	keep   []bool
	coeffs []complex128
}

func newBandPass(n int, tr, lowPass, highPass float64) *bandPass {
	if n < 2 || (lowPass <= 0 && highPass <= 0) {
		return nil
	}
	bp := &bandPass{
		fft:    fourier.NewFFT(n),
		n:      n,
		keep:   make([]bool, n/2+1),
		coeffs: make([]complex128, n/2+1),
	}
	for k := range bp.keep {
		freq := float64(k) / (float64(n) * tr)
		keep := true
		if highPass > 0 && freq < highPass {
			keep = false
		}
		if lowPass > 0 && freq > lowPass {
			keep = false
		}
		bp.keep[k] = keep
	}
	return bp
}

// apply filters x in place.
func (bp *bandPass) apply(x []float64) {
	if bp == nil {
		return
	}
	bp.fft.Coefficients(bp.coeffs, x)
	for k, keep := range bp.keep {
		if !keep {
			bp.coeffs[k] = 0
		}
	}
	bp.fft.Sequence(x, bp.coeffs)
	scale := 1 / float64(bp.n)
	for i := range x {
		x[i] *= scale
	}
}

// Frequencies returns the frequency in Hz of each real-FFT bin for a series
// of n samples at repetition time tr.
func Frequencies(n int, tr float64) []float64 {
	freqs := make([]float64, n/2+1)
	for k := range freqs {
		freqs[k] = float64(k) / (float64(n) * tr)
	}
	return freqs
}

// Zscore centres x and scales it to unit population variance in place. A
// constant series is only centred.
func Zscore(x []float64) {
	if len(x) == 0 {
		return
	}
	mean, std := stat.PopMeanStdDev(x, nil)
	if std < eps {
		std = 1
	}
	for i := range x {
		x[i] = (x[i] - mean) / std
	}
}
