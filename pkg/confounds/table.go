// Package confounds reads RABIES confound tables and assembles the nuisance
// regressor matrix requested by the user.
package confounds

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/viant/afs"
)

// ErrMissingColumn is returned when a requested confound is not a column of its table.
var ErrMissingColumn = errors.New("missing confound column")

// Table is a header-row CSV table, one row per timepoint.
type Table struct {
	// Columns holds the header names in file order.
	Columns []string

	rows  [][]string
	index map[string]int
}

// ReadTable downloads and parses a CSV table.
func ReadTable(ctx context.Context, fs afs.Service, path string) (*Table, error) {
	data, err := fs.DownloadWithURL(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read confound table %s: %w", path, err)
	}
	table, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse confound table %s: %w", path, err)
	}
	return table, nil
}

// ParseTable parses CSV content whose first record is the header.
func ParseTable(data []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("empty table")
	}

	t := &Table{
		Columns: records[0],
		rows:    records[1:],
		index:   make(map[string]int, len(records[0])),
	}
	for i, name := range t.Columns {
		name = strings.TrimSpace(name)
		t.Columns[i] = name
		if _, dup := t.index[name]; !dup {
			t.index[name] = i
		}
	}
	return t, nil
}

// Len returns the number of rows (timepoints).
func (t *Table) Len() int { return len(t.rows) }

// Has reports whether the table has the named column.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column parses the named column as float64. Empty cells and NaN literals
// become NaN; any other non-numeric cell is an error.
func (t *Table) Column(name string) ([]float64, error) {
	col, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
	}
	values := make([]float64, len(t.rows))
	for i, row := range t.rows {
		if col >= len(row) {
			return nil, fmt.Errorf("row %d has no value for column %q", i+1, name)
		}
		cell := strings.TrimSpace(row[col])
		if cell == "" {
			values[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q row %d: %w", name, i+1, err)
		}
		values[i] = v
	}
	return values, nil
}

// ColumnsContaining returns, in table order, the columns whose name contains
// any of the substrings.
func (t *Table) ColumnsContaining(substrings ...string) []string {
	var names []string
	for _, name := range t.Columns {
		for _, s := range substrings {
			if strings.Contains(name, s) {
				names = append(names, name)
				break
			}
		}
	}
	return names
}
