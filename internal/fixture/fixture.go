// Package fixture writes small synthetic RABIES output trees for tests.
package fixture

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"confreg/internal/models"
	"confreg/pkg/nifti"
)

// Grid of every fixture volume.
const (
	NX = 6
	NY = 6
	NZ = 4
)

// VoxelSize of every fixture volume, in mm.
var VoxelSize = [3]float64{0.3, 0.3, 0.3}

// Scan describes a synthetic scan.
type Scan struct {
	// Key is a scan key such as "sub-01_ses-1_run-1".
	Key string

	// Frames is the number of timepoints.
	Frames int

	// MeanFD overrides the framewise displacement series; by default every
	// frame is 0.02 except frame 5 at 0.3.
	MeanFD []float64

	// Commonspace writes to the commonspace datasinks.
	Commonspace bool

	// TR is the repetition time stored in the header; 0 leaves it unset.
	TR float64
}

func (s Scan) meanFD() []float64 {
	if s.MeanFD != nil {
		return s.MeanFD
	}
	fd := make([]float64, s.Frames)
	for i := range fd {
		fd[i] = 0.02
	}
	if s.Frames > 5 {
		fd[5] = 0.3
	}
	return fd
}

// Header returns the header of a fixture bold with nt frames.
func Header(nt int) nifti.Header {
	return nifti.NewHeader(NX, NY, NZ, nt, VoxelSize)
}

// InBrain reports whether voxel (x, y, z) is inside the fixture brain mask.
func InBrain(x, y, z int) bool {
	return x >= 1 && x <= NX-2 && y >= 1 && y <= NY-2
}

// Write lays out the scan under root and returns its located files.
func Write(t testing.TB, root string, s Scan) models.ScanFiles {
	t.Helper()
	if s.Frames == 0 {
		s.Frames = 40
	}
	key, err := models.ParseScanKey(s.Key + "_bold.nii.gz")
	if err != nil {
		t.Fatalf("fixture key: %v", err)
	}

	boldSink, maskSink, csfSink := "corrected_bold", "bold_brain_mask", "bold_CSF_mask"
	if s.Commonspace {
		boldSink, maskSink, csfSink = "commonspace_bold", "commonspace_bold_mask", "commonspace_CSF_mask"
	}
	split := "_split_" + s.Key
	files := models.ScanFiles{
		Key:       key,
		Bold:      filepath.Join(root, "bold_datasink", boldSink, split, s.Key+"_bold_RAS_combined.nii.gz"),
		BrainMask: filepath.Join(root, "bold_datasink", maskSink, split, s.Key+"_brain_mask.nii.gz"),
		CSFMask:   filepath.Join(root, "bold_datasink", csfSink, split, s.Key+"_CSF_mask.nii.gz"),
		Confounds: filepath.Join(root, "confounds_datasink", "confounds_csv", split, s.Key+"_confounds.csv"),
		FD:        filepath.Join(root, "confounds_datasink", "FD_csv", split, s.Key+"_FD_file.csv"),
	}

	rng := rand.New(rand.NewPCG(uint64(len(s.Key)), 7))
	motion := make([][6]float64, s.Frames)
	for i := range motion {
		for j := range motion[i] {
			motion[i][j] = 0.01 * float64(j+1) * math.Sin(float64(i)/float64(j+2))
		}
	}

	hdr := Header(s.Frames)
	hdr.Pixdim[4] = float32(s.TR)
	bold := nifti.NewVolume(hdr, s.Frames)
	mask := nifti.NewVolume(Header(1), 1)
	csf := nifti.NewVolume(Header(1), 1)
	for z := 0; z < NZ; z++ {
		for y := 0; y < NY; y++ {
			for x := 0; x < NX; x++ {
				inside := InBrain(x, y, z)
				if inside {
					mask.Set(x, y, z, 0, 1)
				}
				if inside && x == 2 && y == 2 {
					csf.Set(x, y, z, 0, 1)
				}
				phase := float64(x+NX*y) / 5
				for k := 0; k < s.Frames; k++ {
					v := 10.0
					if inside {
						v = 100 + 2*math.Sin(2*math.Pi*0.04*float64(k)+phase) +
							30*motion[k][0] + 0.05*float64(k) + 0.3*rng.NormFloat64()
					}
					bold.Set(x, y, z, k, v)
				}
			}
		}
	}
	for _, w := range []struct {
		path string
		vol  *nifti.Volume
	}{{files.Bold, bold}, {files.BrainMask, mask}, {files.CSFMask, csf}} {
		if err := nifti.Write(w.path, w.vol); err != nil {
			t.Fatalf("fixture write %s: %v", w.path, err)
		}
	}

	var conf strings.Builder
	conf.WriteString(",mov1,mov2,mov3,rot1,rot2,rot3,aCompCor_00,aCompCor_01,global_signal\n")
	for i, m := range motion {
		fmt.Fprintf(&conf, "%d,%g,%g,%g,%g,%g,%g,%g,%g,%g\n", i,
			m[0], m[1], m[2], m[3], m[4], m[5],
			math.Cos(float64(i)/4), math.Sin(float64(i)/9), 100+0.05*float64(i))
	}
	writeText(t, files.Confounds, conf.String())

	var fd strings.Builder
	fd.WriteString("Mean,Max\n")
	for _, v := range s.meanFD() {
		fmt.Fprintf(&fd, "%g,%g\n", v, 2*v)
	}
	writeText(t, files.FD, fd.String())
	return files
}

func writeText(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("fixture mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("fixture write %s: %v", path, err)
	}
}
