package aroma

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// External runs the ICA-AROMA script as a subprocess.
type External struct {
	command []string
	logger  *zap.Logger
}

// NewExternal returns an adapter invoking command (program and leading
// arguments, e.g. ["python", "/opt/ICA-AROMA/ICA_AROMA.py"]).
func NewExternal(command []string, opts ...Option) (*External, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("external ICA-AROMA command is empty")
	}
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return &External{command: append([]string(nil), command...), logger: s.logger}, nil
}

// Args returns the argument list passed after the command for in.
func Args(in Input) []string {
	return []string{
		"-i", in.BoldPath,
		"-o", in.OutDir,
		"-mc", in.MotionParPath,
		"-m", in.BrainMaskPath,
		"-c", in.CSFMaskPath,
		"-tr", strconv.FormatFloat(in.TR, 'g', -1, 64),
		"-ow",
		"-dim", strconv.Itoa(in.Dim),
		"-den", string(in.Mode),
	}
}

// Denoise runs the script and returns the path of its denoised output.
func (e *External) Denoise(ctx context.Context, in Input) (Output, error) {
	if err := in.Validate(); err != nil {
		return Output{}, err
	}
	in, err := in.absolute()
	if err != nil {
		return Output{}, err
	}
	if err := os.MkdirAll(in.OutDir, 0755); err != nil {
		return Output{}, fmt.Errorf("failed to create ICA-AROMA output directory: %w", err)
	}

	argv := append(append([]string(nil), e.command[1:]...), Args(in)...)
	cmd := exec.CommandContext(ctx, e.command[0], argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info("Running external ICA-AROMA",
		zap.String("command", e.command[0]),
		zap.Strings("args", argv))

	if err := cmd.Run(); err != nil {
		return Output{}, fmt.Errorf("%w: %v: %s", ErrExternalToolFailure, err, strings.TrimSpace(stderr.String()))
	}
	e.logger.Debug("External ICA-AROMA finished", zap.Int("stdout_bytes", stdout.Len()))

	out := Output{DenoisedPath: filepath.Join(in.OutDir, DenoisedFile(in.Mode))}
	if _, err := os.Stat(out.DenoisedPath); err != nil {
		return Output{}, fmt.Errorf("%w: expected output %s: %v", ErrExternalToolFailure, out.DenoisedPath, err)
	}

	ics, err := ReadMotionComponents(filepath.Join(in.OutDir, MotionICsFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Output{}, err
	}
	out.MotionComponents = ics
	return out, nil
}
