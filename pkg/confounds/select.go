package confounds

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Regressors is the assembled confound matrix.
type Regressors struct {
	// Names labels every column of Matrix.
	Names []string

	// Matrix is timepoints x len(Names).
	Matrix *mat.Dense
}

// Rows returns the number of timepoints.
func (r *Regressors) Rows() int {
	rows, _ := r.Matrix.Dims()
	return rows
}

// Select resolves specs against the confound table (and the FD table for
// mean_FD) and stacks the columns in request order. Group expansions keep
// table order. Missing cells become 0. An empty request returns nil: the caller runs cleaning
// without a confound term rather than with a zero-column matrix.
func Select(table *Table, specs []Spec, fd *Table) (*Regressors, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	var (
		names   []string
		columns [][]float64
	)
	add := func(t *Table, name, label string) error {
		values, err := t.Column(name)
		if err != nil {
			return err
		}
		names = append(names, label)
		columns = append(columns, values)
		return nil
	}

	for _, spec := range specs {
		switch spec.Kind {
		case MotionSix:
			for _, name := range MotionColumns {
				if err := add(table, name, name); err != nil {
					return nil, err
				}
			}
		case MotionTwentyFour:
			for _, name := range table.ColumnsContaining("rot", "mov") {
				if err := add(table, name, name); err != nil {
					return nil, err
				}
			}
		case AComp:
			for _, name := range table.ColumnsContaining("aCompCor") {
				if err := add(table, name, name); err != nil {
					return nil, err
				}
			}
		case MeanFD:
			if fd == nil {
				return nil, fmt.Errorf("%w: mean_FD requested without an FD table", ErrMissingColumn)
			}
			if err := add(fd, FDMeanColumn, "mean_FD"); err != nil {
				return nil, err
			}
		case Literal:
			if err := add(table, spec.Name, spec.Name); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unhandled confound kind %d", spec.Kind)
		}
	}

	if len(columns) == 0 {
		// Every requested group expanded to nothing (e.g. aCompCor on a table
		// without aCompCor columns).
		return nil, nil
	}

	rows := len(columns[0])
	for i, col := range columns {
		if len(col) != rows {
			return nil, fmt.Errorf("confound %q has %d rows, expected %d", names[i], len(col), rows)
		}
	}
	if rows == 0 {
		return nil, fmt.Errorf("confound table has no rows")
	}

	// Missing cells carry no signal to regress out.
	m := mat.NewDense(rows, len(columns), nil)
	for j, col := range columns {
		for i, v := range col {
			if !math.IsNaN(v) {
				m.Set(i, j, v)
			}
		}
	}
	return &Regressors{Names: names, Matrix: m}, nil
}
