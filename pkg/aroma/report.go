package aroma

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"gonum.org/v1/gonum/mat"
)

// WriteMotionComponents writes the 1-based motion component indices as a
// single comma-separated line.
func WriteMotionComponents(path string, ics []int) error {
	parts := make([]string, len(ics))
	for i, ic := range ics {
		parts[i] = strconv.Itoa(ic)
	}
	return os.WriteFile(path, []byte(strings.Join(parts, ",")+"\n"), 0644)
}

// ReadMotionComponents parses a file written by WriteMotionComponents or by
// the ICA-AROMA script.
func ReadMotionComponents(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ics []int
	for _, field := range strings.FieldsFunc(string(data), func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r' || r == ' ' || r == '\t'
	}) {
		ic, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid component index %q in %s", field, path)
		}
		ics = append(ics, ic)
	}
	return ics, nil
}

// WriteOverview writes one tab-aligned row of features and verdict per component.
func WriteOverview(path string, features []Features) error {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IC\tMotion/noise\tmaximum RP correlation\tEdge-fraction\tHigh-frequency content\tCSF-fraction")
	for i, f := range features {
		fmt.Fprintf(w, "%d\t%t\t%.2f\t%.2f\t%.2f\t%.2f\n", i+1, f.Motion(), f.MaxRPCorr, f.EdgeFract, f.HFC, f.CSFFract)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// ReadMotionPar reads a whitespace-separated realignment parameter file
// (one row per timepoint, six columns).
func ReadMotionPar(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 6 {
			return nil, fmt.Errorf("%s:%d: expected 6 motion parameters, got %d", path, line, len(fields))
		}
		row := make([]float64, 6)
		for j, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: no motion parameters", path)
	}

	m := mat.NewDense(len(rows), 6, nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	return m, nil
}
