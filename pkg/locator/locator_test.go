package locator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"

	"confreg/internal/models"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

// rabiesTree lays out a minimal RABIES output directory for two runs.
func rabiesTree(t *testing.T) string {
	root := t.TempDir()
	for _, run := range []string{"1", "10"} {
		key := "sub-01_ses-1_run-" + run
		touch(t, filepath.Join(root, "bold_datasink/corrected_bold/_split_"+key, key+"_bold_RAS_combined.nii.gz"))
		touch(t, filepath.Join(root, "bold_datasink/bold_brain_mask/_split_"+key, key+"_brain_mask.nii.gz"))
		touch(t, filepath.Join(root, "bold_datasink/bold_CSF_mask/_split_"+key, key+"_CSF_mask.nii.gz"))
		touch(t, filepath.Join(root, "confounds_datasink/confounds_csv/_split_"+key, key+"_confounds.csv"))
	}
	touch(t, filepath.Join(root, "confounds_datasink/FD_csv/sub-01_ses-1_run-1_FD_file.csv"))
	return root
}

func TestDiscoverAndLocate(t *testing.T) {
	root := rabiesTree(t)
	sets, err := Discover(context.Background(), afs.New(), root, false)
	require.NoError(t, err)
	require.Len(t, sets.Bold, 2)
	require.Len(t, sets.FD, 1)

	keys, err := ScanKeys(sets.Bold)
	require.NoError(t, err)
	var names []string
	for _, k := range keys {
		names = append(names, k.String())
	}
	if diff := cmp.Diff([]string{"sub-01_ses-1_run-1", "sub-01_ses-1_run-10"}, names); diff != "" {
		t.Errorf("scan keys mismatch (-want +got):\n%s", diff)
	}

	files, err := Locate(keys[0], sets)
	require.NoError(t, err)
	assert.Contains(t, files.Bold, "sub-01_ses-1_run-1_bold")
	assert.Contains(t, files.Confounds, "sub-01_ses-1_run-1_confounds.csv")
	assert.NotContains(t, files.Confounds, "run-10")
	assert.NotEmpty(t, files.FD)

	files10, err := Locate(keys[1], sets)
	require.NoError(t, err)
	assert.Contains(t, files10.BrainMask, "run-10")
	assert.Empty(t, files10.FD)

	err = Require(files10, models.ArtifactFD)
	assert.ErrorIs(t, err, ErrMissingInputFile)
	assert.NoError(t, Require(files, models.ArtifactFD, models.ArtifactCSFMask))
}

func TestDiscoverCommonspaceMissing(t *testing.T) {
	root := rabiesTree(t)
	_, err := Discover(context.Background(), afs.New(), root, true)
	assert.ErrorIs(t, err, ErrMissingInputFile)
}

func TestLocateMissingRequired(t *testing.T) {
	key, err := models.ParseScanKey("sub-02_run-1_bold.nii.gz")
	require.NoError(t, err)

	sets := &FileSets{
		Bold:      []string{"/d/sub-02_run-1_bold.nii.gz"},
		Confounds: []string{"/d/sub-02_run-1_confounds.csv"},
	}
	_, err = Locate(key, sets)
	assert.ErrorIs(t, err, ErrMissingInputFile)
	assert.Contains(t, err.Error(), "brain mask")
}

func TestDatasinkLayout(t *testing.T) {
	assert.Equal(t, "bold_datasink/corrected_bold", DatasinkLayout(false)[models.ArtifactBold])
	assert.Equal(t, "bold_datasink/commonspace_CSF_mask", DatasinkLayout(true)[models.ArtifactCSFMask])
	assert.Equal(t, "confounds_datasink/FD_csv", DatasinkLayout(true)[models.ArtifactFD])
}
