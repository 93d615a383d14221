package aroma

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"confreg/pkg/cleaning"
	"confreg/pkg/nifti"
)

func TestClassifier(t *testing.T) {
	tests := []struct {
		name     string
		features Features
		motion   bool
	}{
		{"clean", Features{MaxRPCorr: 0.2, EdgeFract: 0.3, CSFFract: 0.05, HFC: 0.1}, false},
		{"lda", Features{MaxRPCorr: 0.9, EdgeFract: 0.6, CSFFract: 0.0, HFC: 0.1}, true},
		{"csf", Features{MaxRPCorr: 0.1, EdgeFract: 0.1, CSFFract: 0.11, HFC: 0.1}, true},
		{"hfc", Features{MaxRPCorr: 0.1, EdgeFract: 0.1, CSFFract: 0.0, HFC: 0.36}, true},
		{"csf at threshold", Features{CSFFract: 0.10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.motion, tt.features.Motion())
		})
	}

	// 9.951·0.9 + 24.833·0.6 - 19.975
	assert.InDelta(t, 3.88103, Features{MaxRPCorr: 0.9, EdgeFract: 0.6}.LDA(), 1e-4)

	got := Classify([]Features{tests[0].features, tests[1].features, tests[0].features, tests[3].features})
	assert.Equal(t, []int{2, 4}, got)
}

func TestHighFrequencyContent(t *testing.T) {
	const n = 200
	slow := make([]float64, n)
	fast := make([]float64, n)
	for i := range slow {
		slow[i] = math.Sin(2 * math.Pi * 0.03 * float64(i))
		fast[i] = math.Sin(2 * math.Pi * 0.4 * float64(i))
	}
	low := HighFrequencyContent(slow, 1)
	high := HighFrequencyContent(fast, 1)
	assert.Less(t, low, 0.1)
	assert.Greater(t, high, 0.7)
	assert.LessOrEqual(t, high, 1.0)

	assert.Zero(t, HighFrequencyContent(slow, 0))
	assert.Zero(t, HighFrequencyContent([]float64{1, 2}, 1))
}

func TestSpatialFractions(t *testing.T) {
	z := []float64{3, -4, 1, 2, 5}
	edge := []bool{true, false, true, false, false}
	csf := []bool{false, true, false, false, false}

	edgeFract, csfFract := SpatialFractions(z, edge, csf)
	// |z| >= 2: 3 (edge), 4 (csf), 2, 5 -> total 14, csf 4, edge 3 of the remaining 10.
	assert.InDelta(t, 4.0/14, csfFract, 1e-12)
	assert.InDelta(t, 0.3, edgeFract, 1e-12)

	edgeFract, csfFract = SpatialFractions([]float64{0.1, -0.5}, []bool{true, true}, []bool{false, false})
	assert.Zero(t, edgeFract)
	assert.Zero(t, csfFract)
}

func TestMotionRegressors(t *testing.T) {
	rp := mat.NewDense(3, 6, nil)
	for i := 0; i < 3; i++ {
		rp.Set(i, 0, float64(i+1))
	}
	reg := MotionRegressors(rp)
	r, c := reg.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 24, c)
	assert.Equal(t, []float64{1, 2, 3}, mat.Col(nil, 0, reg))
	assert.Equal(t, []float64{0, 1, 1}, mat.Col(nil, 6, reg))
	assert.Equal(t, []float64{1, 4, 9}, mat.Col(nil, 12, reg))
	assert.Equal(t, []float64{0, 1, 1}, mat.Col(nil, 18, reg))

	// Constant columns do not produce NaN correlations.
	assert.InDelta(t, 1, MaxAbsCorrelation([]float64{5, 7, 9}, reg), 1e-12)
}

func TestRemoveComponents(t *testing.T) {
	const nt, nv = 30, 20
	mixing := mat.NewDense(nt, 2, nil)
	for i := 0; i < nt; i++ {
		mixing.Set(i, 0, math.Sin(float64(i)/3))
		mixing.Set(i, 1, math.Cos(float64(i)/1.3))
	}
	sources := mat.NewDense(2, nv, nil)
	for j := 0; j < nv; j++ {
		sources.Set(0, j, float64(j%5))
		sources.Set(1, j, float64(j%3)-1)
	}
	var data mat.Dense
	data.Mul(mixing, sources)

	cleaned, err := RemoveComponents(&data, mixing, []int{2}, NonAggressive)
	require.NoError(t, err)
	var signal mat.Dense
	signal.Mul(mixing.Slice(0, nt, 0, 1), sources.Slice(0, 1, 0, nv))
	assert.True(t, mat.EqualApprox(cleaned, &signal, 1e-9))

	aggr, err := RemoveComponents(&data, mixing, []int{2}, Aggressive)
	require.NoError(t, err)
	// The aggressive residual is orthogonal to the motion timecourse.
	var proj mat.Dense
	proj.Mul(mixing.Slice(0, nt, 1, 2).T(), aggr)
	for j := 0; j < nv; j++ {
		assert.InDelta(t, 0, proj.At(0, j), 1e-9)
	}

	same, err := RemoveComponents(&data, mixing, nil, NonAggressive)
	require.NoError(t, err)
	assert.True(t, mat.Equal(same, &data))

	_, err = RemoveComponents(&data, mixing, []int{3}, NonAggressive)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, NonAggressive, m)
	m, err = ParseMode("aggr")
	require.NoError(t, err)
	assert.Equal(t, Aggressive, m)
	_, err = ParseMode("soft")
	assert.Error(t, err)
	assert.Equal(t, "denoised_func_data_aggr.nii.gz", DenoisedFile(Aggressive))
}

func TestMotionComponentsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), MotionICsFile)
	require.NoError(t, WriteMotionComponents(path, []int{1, 4, 9}))
	got, err := ReadMotionComponents(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9}, got)

	require.NoError(t, WriteMotionComponents(path, nil))
	got, err = ReadMotionComponents(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// dummyInput creates placeholder input files; enough for validation.
func dummyInput(t *testing.T) Input {
	t.Helper()
	dir := t.TempDir()
	in := Input{
		BoldPath:      filepath.Join(dir, "bold.nii.gz"),
		MotionParPath: filepath.Join(dir, "motion.par"),
		BrainMaskPath: filepath.Join(dir, "mask.nii.gz"),
		CSFMaskPath:   filepath.Join(dir, "csf.nii.gz"),
		OutDir:        filepath.Join(dir, "aroma"),
		TR:            1,
		Mode:          NonAggressive,
	}
	for _, p := range []string{in.BoldPath, in.MotionParPath, in.BrainMaskPath, in.CSFMaskPath} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}
	return in
}

func TestInputValidate(t *testing.T) {
	in := dummyInput(t)
	require.NoError(t, in.Validate())

	zero := in
	zero.TR = 0
	err := zero.Validate()
	assert.ErrorIs(t, err, ErrZeroRepetitionTime)
	assert.ErrorIs(t, err, cleaning.ErrZeroRepetitionTime)

	missing := in
	missing.CSFMaskPath = filepath.Join(t.TempDir(), "nope.nii.gz")
	assert.ErrorIs(t, missing.Validate(), ErrMissingInput)

	// Preconditions fail before any work, for both backends.
	_, err = NewNative().Denoise(context.Background(), zero)
	assert.ErrorIs(t, err, ErrZeroRepetitionTime)
	ext, err := NewExternal([]string{"false"})
	require.NoError(t, err)
	_, err = ext.Denoise(context.Background(), missing)
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestExternalFailure(t *testing.T) {
	ext, err := NewExternal([]string{"false"})
	require.NoError(t, err)
	_, err = ext.Denoise(context.Background(), dummyInput(t))
	assert.ErrorIs(t, err, ErrExternalToolFailure)

	_, err = NewExternal(nil)
	assert.Error(t, err)
}

const fakeAroma = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "1,3" > "$out/classified_motion_ICs.txt"
if [ -z "$SKIP_OUTPUT" ]; then
  : > "$out/denoised_func_data_nonaggr.nii.gz"
fi
`

func TestExternalSuccess(t *testing.T) {
	script := filepath.Join(t.TempDir(), "ica_aroma.sh")
	require.NoError(t, os.WriteFile(script, []byte(fakeAroma), 0755))

	ext, err := NewExternal([]string{"sh", script})
	require.NoError(t, err)
	in := dummyInput(t)
	out, err := ext.Denoise(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(in.OutDir, "denoised_func_data_nonaggr.nii.gz"), out.DenoisedPath)
	assert.Equal(t, []int{1, 3}, out.MotionComponents)

	t.Setenv("SKIP_OUTPUT", "1")
	_, err = ext.Denoise(context.Background(), dummyInput(t))
	assert.ErrorIs(t, err, ErrExternalToolFailure)
}

func TestArgs(t *testing.T) {
	in := Input{BoldPath: "/b", OutDir: "/o", MotionParPath: "/p", BrainMaskPath: "/m", CSFMaskPath: "/c", TR: 1.2, Dim: 0, Mode: NonAggressive}
	assert.Equal(t, "-i /b -o /o -mc /p -m /m -c /c -tr 1.2 -ow -dim 0 -den nonaggr", strings.Join(Args(in), " "))
}

// writeSyntheticScan writes a small bold series with a slow neural-like
// component in the centre and a motion-locked component on the edge.
func writeSyntheticScan(t *testing.T) Input {
	t.Helper()
	const (
		nx, ny, nz = 8, 8, 4
		nt         = 60
	)
	dir := t.TempDir()
	rng := rand.New(rand.NewPCG(1, 2))

	hdr := nifti.NewHeader(nx, ny, nz, nt, [3]float64{0.3, 0.3, 0.3})
	bold := nifti.NewVolume(hdr, nt)
	mask := nifti.NewVolume(nifti.NewHeader(nx, ny, nz, 1, [3]float64{0.3, 0.3, 0.3}), 1)
	csf := nifti.NewVolume(nifti.NewHeader(nx, ny, nz, 1, [3]float64{0.3, 0.3, 0.3}), 1)

	motion := make([]float64, nt)
	for i := range motion {
		motion[i] = 0.05 * float64(i%7)
	}

	for z := 0; z < nz; z++ {
		for y := 1; y < ny-1; y++ {
			for x := 1; x < nx-1; x++ {
				mask.Set(x, y, z, 0, 1)
				if x == 3 && y == 3 {
					csf.Set(x, y, z, 0, 1)
				}
				edge := x == 1 || y == 1 || x == nx-2 || y == ny-2
				for k := 0; k < nt; k++ {
					v := 100 + rng.NormFloat64()*0.5
					if edge {
						v += 20 * motion[k]
					} else {
						v += 3 * math.Sin(2*math.Pi*0.02*float64(k))
					}
					bold.Set(x, y, z, k, v)
				}
			}
		}
	}
	// A voxel outside the mask keeps its value.
	for k := 0; k < nt; k++ {
		bold.Set(0, 0, 0, k, 7)
	}

	in := Input{
		BoldPath:      filepath.Join(dir, "bold.nii.gz"),
		MotionParPath: filepath.Join(dir, "motion.par"),
		BrainMaskPath: filepath.Join(dir, "mask.nii.gz"),
		CSFMaskPath:   filepath.Join(dir, "csf.nii.gz"),
		OutDir:        filepath.Join(dir, "aroma"),
		TR:            1,
		Dim:           3,
		Mode:          NonAggressive,
	}
	require.NoError(t, nifti.Write(in.BoldPath, bold))
	require.NoError(t, nifti.Write(in.BrainMaskPath, mask))
	require.NoError(t, nifti.Write(in.CSFMaskPath, csf))

	var par strings.Builder
	for _, m := range motion {
		fmt.Fprintf(&par, "%g\t0\t0\t0\t0\t0\n", m)
	}
	require.NoError(t, os.WriteFile(in.MotionParPath, []byte(par.String()), 0644))
	return in
}

func TestNativeDenoise(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping native ICA-AROMA in short mode")
	}
	in := writeSyntheticScan(t)

	out, err := NewNative().Denoise(context.Background(), in)
	require.NoError(t, err)
	assert.FileExists(t, out.DenoisedPath)
	assert.FileExists(t, filepath.Join(in.OutDir, MotionICsFile))
	assert.FileExists(t, filepath.Join(in.OutDir, OverviewFile))
	for _, ic := range out.MotionComponents {
		assert.True(t, ic >= 1 && ic <= 3, "component %d", ic)
	}

	denoised, err := nifti.Read(out.DenoisedPath)
	require.NoError(t, err)
	assert.Equal(t, 60, denoised.Frames())
	assert.InDelta(t, 7, denoised.At(0, 0, 0, 10), 1e-5)

	overview, err := os.ReadFile(filepath.Join(in.OutDir, OverviewFile))
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(overview), "\n"))
}

func TestReadMotionParRejectsBadRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.par")
	require.NoError(t, os.WriteFile(path, []byte("1 2 3\n"), 0644))
	_, err := ReadMotionPar(path)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	d, err := New(BackendNative, nil)
	require.NoError(t, err)
	assert.IsType(t, &Native{}, d)

	d, err = New(BackendExternal, []string{"python", "/opt/ICA_AROMA.py"})
	require.NoError(t, err)
	assert.IsType(t, &External{}, d)

	_, err = New("melodic", nil)
	assert.Error(t, err)
}
