package confounds

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

// WriteMotionPar writes the six rigid-body parameters as the motion file
// ICA-AROMA expects: tab-separated, no header, one line per timepoint.
func WriteMotionPar(ctx context.Context, fs afs.Service, table *Table, path string) error {
	columns := make([][]float64, len(MotionColumns))
	for i, name := range MotionColumns {
		values, err := table.Column(name)
		if err != nil {
			return err
		}
		columns[i] = values
	}

	var buf bytes.Buffer
	for row := 0; row < table.Len(); row++ {
		for i := range columns {
			if i > 0 {
				buf.WriteByte('\t')
			}
			buf.WriteString(strconv.FormatFloat(columns[i][row], 'g', -1, 64))
		}
		buf.WriteByte('\n')
	}

	if err := fs.Upload(ctx, path, file.DefaultFileOsMode, &buf); err != nil {
		return fmt.Errorf("failed to write motion parameters %s: %w", path, err)
	}
	return nil
}
