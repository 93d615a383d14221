// Package aroma removes motion-related independent components from a bold
// series (ICA-AROMA). Two denoisers are provided: External runs the
// reference ICA-AROMA script as a subprocess, Native runs the same
// decomposition, features and classifier in-process.
package aroma

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"confreg/pkg/cleaning"
	"confreg/pkg/ica"
)

var (
	// ErrZeroRepetitionTime is returned when the repetition time is not positive.
	ErrZeroRepetitionTime = cleaning.ErrZeroRepetitionTime

	// ErrMissingInput is returned when an input file does not exist.
	ErrMissingInput = errors.New("missing ICA-AROMA input")

	// ErrExternalToolFailure is returned when the external tool exits with
	// an error or does not produce its output.
	ErrExternalToolFailure = errors.New("external ICA-AROMA failed")
)

// Mode selects how flagged components are removed.
type Mode string

const (
	// NonAggressive regresses the full component model and subtracts only the
	// motion part, leaving variance shared with signal components.
	NonAggressive Mode = "nonaggr"
	// Aggressive regresses the motion timecourses alone out of the data.
	Aggressive Mode = "aggr"
)

// ParseMode validates a mode name; the empty string selects NonAggressive.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(s)) {
	case "", NonAggressive:
		return NonAggressive, nil
	case Aggressive:
		return Aggressive, nil
	default:
		return "", fmt.Errorf("unknown ICA-AROMA denoising mode %q (want nonaggr or aggr)", s)
	}
}

// DenoisedFile returns the name of the denoised series written for mode.
func DenoisedFile(mode Mode) string {
	return "denoised_func_data_" + string(mode) + ".nii.gz"
}

const (
	// MotionICsFile lists the 1-based indices of the flagged components.
	MotionICsFile = "classified_motion_ICs.txt"
	// OverviewFile tabulates the features and the verdict of every component.
	OverviewFile = "classification_overview.txt"
)

// Input describes one denoising job. All paths must exist, except OutDir
// which is created.
type Input struct {
	BoldPath      string
	OutDir        string
	MotionParPath string
	BrainMaskPath string
	CSFMaskPath   string

	// TR is the repetition time in seconds.
	TR float64

	// Dim is the decomposition dimensionality; 0 estimates it.
	Dim int

	Mode Mode
}

// Output is the result of a denoising job.
type Output struct {
	DenoisedPath string

	// MotionComponents holds the 1-based indices of the removed components.
	MotionComponents []int
}

// Denoiser removes motion components from a bold series.
type Denoiser interface {
	Denoise(ctx context.Context, in Input) (Output, error)
}

// Validate checks the preconditions of a job before any decomposition runs.
func (in Input) Validate() error {
	if in.TR <= 0 {
		return fmt.Errorf("%w: got %g", ErrZeroRepetitionTime, in.TR)
	}
	if in.OutDir == "" {
		return errors.New("ICA-AROMA output directory is not set")
	}
	if in.Dim < 0 {
		return fmt.Errorf("ICA-AROMA dimensionality must be >= 0, got %d", in.Dim)
	}
	if _, err := ParseMode(string(in.Mode)); err != nil {
		return err
	}
	for _, f := range []struct{ name, path string }{
		{"bold", in.BoldPath},
		{"motion parameters", in.MotionParPath},
		{"brain mask", in.BrainMaskPath},
		{"CSF mask", in.CSFMaskPath},
	} {
		if f.path == "" {
			return fmt.Errorf("%w: %s path is empty", ErrMissingInput, f.name)
		}
		if _, err := os.Stat(f.path); err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrMissingInput, f.name, f.path, err)
		}
	}
	return nil
}

// absolute returns a copy of in with every path made absolute and the mode defaulted.
func (in Input) absolute() (Input, error) {
	out := in
	for _, p := range []*string{&out.BoldPath, &out.OutDir, &out.MotionParPath, &out.BrainMaskPath, &out.CSFMaskPath} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return Input{}, err
		}
		*p = abs
	}
	if out.Mode == "" {
		out.Mode = NonAggressive
	}
	return out, nil
}

// Backend names a Denoiser implementation.
type Backend string

const (
	BackendNative   Backend = "native"
	BackendExternal Backend = "external"
)

// Option configures a denoiser.
type Option func(*settings)

type settings struct {
	logger    *zap.Logger
	ica       ica.Options
	edgeDepth int
}

func defaultSettings() settings {
	return settings{
		logger:    zap.NewNop(),
		ica:       ica.DefaultOptions(),
		edgeDepth: 2,
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithICAOptions overrides the decomposition settings of the native backend.
// The component count always comes from Input.Dim.
func WithICAOptions(opts ica.Options) Option {
	return func(s *settings) { s.ica = opts }
}

// WithEdgeDepth sets the thickness, in voxels, of the brain-edge shell used
// by the edge-fraction feature.
func WithEdgeDepth(depth int) Option {
	return func(s *settings) {
		if depth > 0 {
			s.edgeDepth = depth
		}
	}
}

// New returns the denoiser for backend. command is only used by the external backend.
func New(backend Backend, command []string, opts ...Option) (Denoiser, error) {
	switch backend {
	case "", BackendNative:
		return NewNative(opts...), nil
	case BackendExternal:
		return NewExternal(command, opts...)
	default:
		return nil, fmt.Errorf("unknown ICA-AROMA backend %q", backend)
	}
}
