// Package locator discovers the RABIES datasink outputs and pairs every bold
// run with its brain mask, CSF mask, confound table and framewise
// displacement table.
package locator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"

	"confreg/internal/models"
)

// ErrMissingInputFile is returned when a scan's required artifact is not
// among the discovered files.
var ErrMissingInputFile = errors.New("missing input file")

// Layout maps every artifact to its datasink directory, relative to the
// RABIES output directory.
type Layout map[models.Artifact]string

// DatasinkLayout returns the native-space or commonspace datasink layout.
func DatasinkLayout(commonspace bool) Layout {
	layout := Layout{
		models.ArtifactBold:      "bold_datasink/corrected_bold",
		models.ArtifactBrainMask: "bold_datasink/bold_brain_mask",
		models.ArtifactCSFMask:   "bold_datasink/bold_CSF_mask",
		models.ArtifactConfounds: "confounds_datasink/confounds_csv",
		models.ArtifactFD:        "confounds_datasink/FD_csv",
	}
	if commonspace {
		layout[models.ArtifactBold] = "bold_datasink/commonspace_bold"
		layout[models.ArtifactBrainMask] = "bold_datasink/commonspace_bold_mask"
		layout[models.ArtifactCSFMask] = "bold_datasink/commonspace_CSF_mask"
	}
	return layout
}

// FileSets holds the flat file lists found under each datasink.
type FileSets struct {
	Bold      []string
	BrainMask []string
	CSFMask   []string
	Confounds []string
	FD        []string
}

func (s *FileSets) list(a models.Artifact) *[]string {
	switch a {
	case models.ArtifactBold:
		return &s.Bold
	case models.ArtifactBrainMask:
		return &s.BrainMask
	case models.ArtifactCSFMask:
		return &s.CSFMask
	case models.ArtifactConfounds:
		return &s.Confounds
	default:
		return &s.FD
	}
}

// Discover lists every file below the datasink directories of rabiesOut.
// A missing bold datasink is an error; other datasinks may be absent.
func Discover(ctx context.Context, fs afs.Service, rabiesOut string, commonspace bool) (*FileSets, error) {
	root, err := filepath.Abs(rabiesOut)
	if err != nil {
		return nil, err
	}

	sets := &FileSets{}
	for artifact, rel := range DatasinkLayout(commonspace) {
		dir := filepath.Join(root, rel)
		files, err := treeList(ctx, fs, dir)
		if err != nil {
			return nil, err
		}
		if files == nil && artifact == models.ArtifactBold {
			return nil, fmt.Errorf("%w: no %s datasink at %s", ErrMissingInputFile, artifact, dir)
		}
		*sets.list(artifact) = files
	}
	return sets, nil
}

// treeList returns every regular file below dir, sorted. A missing
// directory yields nil.
func treeList(ctx context.Context, fs afs.Service, dir string) ([]string, error) {
	exists, err := fs.Exists(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to check %s: %w", dir, err)
	}
	if !exists {
		return nil, nil
	}

	objects, err := fs.List(ctx, dir, option.NewRecursive(true))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	files := make([]string, 0, len(objects))
	for _, obj := range objects {
		if obj.IsDir() {
			continue
		}
		files = append(files, localPath(obj))
	}
	sort.Strings(files)
	return files, nil
}

func localPath(obj storage.Object) string {
	return url.Path(obj.URL())
}

// ScanKeys derives the scan keys of the bold files, in file order and
// without duplicates.
func ScanKeys(boldFiles []string) ([]models.ScanKey, error) {
	seen := make(map[string]bool)
	var keys []models.ScanKey
	for _, file := range boldFiles {
		key, err := models.ParseScanKey(file)
		if err != nil {
			return nil, err
		}
		if seen[key.String()] {
			continue
		}
		seen[key.String()] = true
		keys = append(keys, key)
	}
	return keys, nil
}

// Locate returns the first file of each list whose path matches key. Bold,
// brain mask and confounds are required; CSF mask and FD are left empty when
// absent and can be enforced later with Require.
func Locate(key models.ScanKey, sets *FileSets) (models.ScanFiles, error) {
	files := models.ScanFiles{
		Key:       key,
		Bold:      first(key, sets.Bold),
		BrainMask: first(key, sets.BrainMask),
		CSFMask:   first(key, sets.CSFMask),
		Confounds: first(key, sets.Confounds),
		FD:        first(key, sets.FD),
	}
	if err := Require(files, models.ArtifactBold, models.ArtifactBrainMask, models.ArtifactConfounds); err != nil {
		return files, err
	}
	return files, nil
}

// Require fails with ErrMissingInputFile for the first artifact that was not located.
func Require(files models.ScanFiles, artifacts ...models.Artifact) error {
	for _, a := range artifacts {
		if files.Path(a) == "" {
			return fmt.Errorf("%w: no %s for scan %s", ErrMissingInputFile, a, files.Key)
		}
	}
	return nil
}

func first(key models.ScanKey, candidates []string) string {
	for _, path := range candidates {
		if key.MatchedBy(path) {
			return path
		}
	}
	return ""
}
