package confounds

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
	"gonum.org/v1/gonum/mat"
)

const confoundCSV = `,mov1,mov2,mov3,rot1,rot2,rot3,aCompCor_00,aCompCor_01,global_signal,mov1_derivative,rot1^2
0,0.1,0.2,0.3,0.01,0.02,0.03,1.5,-1.5,100,0,0.0001
1,0.2,0.3,0.4,0.02,0.03,0.04,2.5,-2.5,101,0.1,0.0004
2,0.3,0.4,0.5,0.03,0.04,0.05,3.5,-3.5,102,0.1,0.0009
`

const fdCSV = `Mean,Max
0.05
0.2
0.01
`

func mustTable(t *testing.T, content string) *Table {
	t.Helper()
	table, err := ParseTable([]byte(content))
	require.NoError(t, err)
	return table
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name string
		want Spec
	}{
		{"mot_6", Spec{Kind: MotionSix}},
		{"mot_24", Spec{Kind: MotionTwentyFour}},
		{"aCompCor", Spec{Kind: AComp}},
		{"mean_FD", Spec{Kind: MeanFD}},
		{"global_signal", Spec{Kind: Literal, Name: "global_signal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.name, got.String())
		})
	}

	_, err := ParseSpec("  ")
	assert.Error(t, err)
}

func TestParseSpecsRejectsUnknownColumn(t *testing.T) {
	table := mustTable(t, confoundCSV)

	specs, err := ParseSpecs([]string{"mot_6", "global_signal"}, table)
	require.NoError(t, err)
	assert.Len(t, specs, 2)

	_, err = ParseSpecs([]string{"mot_6", "WM_signal"}, table)
	assert.ErrorIs(t, err, ErrMissingColumn)

	// Without a table literals are accepted as-is.
	_, err = ParseSpecs([]string{"WM_signal"}, nil)
	assert.NoError(t, err)
}

func TestSelectMotionSixOrder(t *testing.T) {
	table := mustTable(t, confoundCSV)
	specs, err := ParseSpecs([]string{"mot_6"}, table)
	require.NoError(t, err)

	regs, err := Select(table, specs, nil)
	require.NoError(t, err)
	assert.Equal(t, MotionColumns, regs.Names)
	assert.Equal(t, 3, regs.Rows())
	assert.InDelta(t, 0.4, regs.Matrix.At(1, 2), 1e-12)
	assert.InDelta(t, 0.05, regs.Matrix.At(2, 5), 1e-12)
}

func TestSelectACompCorTableOrder(t *testing.T) {
	table := mustTable(t, confoundCSV)
	specs, err := ParseSpecs([]string{"aCompCor"}, table)
	require.NoError(t, err)

	regs, err := Select(table, specs, nil)
	require.NoError(t, err)
	_, cols := regs.Matrix.Dims()
	assert.Equal(t, 2, cols)
	assert.Equal(t, []string{"aCompCor_00", "aCompCor_01"}, regs.Names)
	assert.Equal(t, []float64{1.5, 2.5, 3.5}, mat.Col(nil, 0, regs.Matrix))
}

func TestSelectMotionTwentyFour(t *testing.T) {
	table := mustTable(t, confoundCSV)
	regs, err := Select(table, []Spec{{Kind: MotionTwentyFour}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mov1", "mov2", "mov3", "rot1", "rot2", "rot3", "mov1_derivative", "rot1^2"}, regs.Names)
}

func TestSelectMeanFDAndLiteral(t *testing.T) {
	table := mustTable(t, confoundCSV)
	fd := mustTable(t, fdCSV)

	regs, err := Select(table, []Spec{{Kind: Literal, Name: "global_signal"}, {Kind: MeanFD}}, fd)
	require.NoError(t, err)
	assert.Equal(t, []string{"global_signal", "mean_FD"}, regs.Names)
	assert.Equal(t, []float64{0.05, 0.2, 0.01}, mat.Col(nil, 1, regs.Matrix))

	_, err = Select(table, []Spec{{Kind: MeanFD}}, nil)
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestSelectMissingLiteral(t *testing.T) {
	table := mustTable(t, confoundCSV)
	_, err := Select(table, []Spec{{Kind: Literal, Name: "WM_signal"}}, nil)
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestSelectEmptyRequest(t *testing.T) {
	table := mustTable(t, confoundCSV)
	regs, err := Select(table, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, regs)
}

func TestColumnEmptyCellIsNaN(t *testing.T) {
	table := mustTable(t, "a,b\n1,\n2,3\n")
	b, err := table.Column("b")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(b[0]))
	assert.Equal(t, 3.0, b[1])

	bad := mustTable(t, "a\nfoo\n")
	_, err = bad.Column("a")
	assert.Error(t, err)
}

func TestSelectZeroesMissingCells(t *testing.T) {
	table := mustTable(t, "a,b\n1,\n2,3\n")
	regs, err := Select(table, []Spec{{Kind: Literal, Name: "b"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 3}, mat.Col(nil, 0, regs.Matrix))
}

func TestReadTableAndWriteMotionPar(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	dir := t.TempDir()

	src := filepath.Join(dir, "confounds.csv")
	require.NoError(t, os.WriteFile(src, []byte(confoundCSV), 0644))

	table, err := ReadTable(ctx, fs, src)
	require.NoError(t, err)
	assert.Equal(t, 3, table.Len())

	par := filepath.Join(dir, "motion.par")
	require.NoError(t, WriteMotionPar(ctx, fs, table, par))

	data, err := os.ReadFile(par)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "0.1\t0.2\t0.3\t0.01\t0.02\t0.03", lines[0])
	assert.Len(t, strings.Split(lines[2], "\t"), 6)

	_, err = ReadTable(ctx, fs, filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}
