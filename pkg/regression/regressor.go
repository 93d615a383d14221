// Package regression runs the per-scan confound regression pipeline:
// smoothing, optional ICA-AROMA, confound regression with detrending,
// filtering and standardization, optional scrubbing, and the final write.
package regression

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/viant/afs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"confreg/internal/models"
	"confreg/pkg/aroma"
	"confreg/pkg/cleaning"
	"confreg/pkg/confounds"
	"confreg/pkg/locator"
	"confreg/pkg/nifti"
	"confreg/pkg/spatial"
	"confreg/pkg/temporal"
)

// Params holds the regression parameters of one run. They apply to every
// scan processed by a Regressor.
type Params struct {
	// OutputDir receives the cleaned volumes and the per-scan work and
	// ICA-AROMA directories.
	OutputDir string

	// TR is the repetition time in seconds. 0 uses the bold header.
	TR float64

	// HighPass and LowPass are band-pass cutoffs in Hz; 0 disables either.
	HighPass float64
	LowPass  float64

	// SmoothingFWHM is the Gaussian kernel width in mm; 0 disables smoothing.
	SmoothingFWHM float64

	// Detrend and Standardize control the matching cleaning steps.
	Detrend     bool
	Standardize bool

	// Confounds lists the requested regressors (mot_6, mot_24, aCompCor,
	// mean_FD or literal column names).
	Confounds []string

	// RunAroma enables ICA-AROMA with the given dimensionality and mode.
	RunAroma  bool
	AromaDim  int
	AromaMode aroma.Mode

	// RunScrubbing drops frames whose mean FD reaches ScrubbingThreshold
	// (mm), with one frame before and one after.
	RunScrubbing       bool
	ScrubbingThreshold float64

	// Interval restricts the analysis to a timepoint range; nil keeps all.
	Interval *models.Interval

	// SaveIntermediaryResults keeps the smoothed and pre-scrub volumes in
	// the scan work directory.
	SaveIntermediaryResults bool
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() *Params {
	return &Params{
		OutputDir:          "confound_regression",
		TR:                 1.0,
		SmoothingFWHM:      0.3,
		Detrend:            true,
		Standardize:        true,
		AromaMode:          aroma.NonAggressive,
		ScrubbingThreshold: 0.1,
	}
}

// Result lists the artifacts of a processed scan.
type Result struct {
	Scan        string
	CleanedPath string

	// BoldPath is the input bold, kept for pairing with downstream steps.
	BoldPath string

	// AromaDir is the ICA-AROMA directory, or the output directory when
	// ICA-AROMA was not run.
	AromaDir string

	// WorkDir is empty when intermediates were removed.
	WorkDir string

	Regressors       []string
	MotionComponents []int

	Frames        int
	DroppedFrames int
}

// Regressor processes scans with a fixed set of parameters.
type Regressor struct {
	params   *Params
	fs       afs.Service
	logger   *zap.Logger
	tracer   trace.Tracer
	denoiser aroma.Denoiser
}

// Option configures a Regressor.
type Option func(*Regressor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Regressor) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer sets the tracer used for step spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Regressor) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithDenoiser sets the ICA-AROMA implementation.
func WithDenoiser(d aroma.Denoiser) Option {
	return func(r *Regressor) {
		if d != nil {
			r.denoiser = d
		}
	}
}

// WithFileService sets the storage service used for the confound tables.
func WithFileService(fs afs.Service) Option {
	return func(r *Regressor) {
		if fs != nil {
			r.fs = fs
		}
	}
}

// NewRegressor creates a regressor. Without options it logs nowhere, uses
// the global tracer provider and the native ICA-AROMA.
func NewRegressor(params *Params, opts ...Option) *Regressor {
	r := &Regressor{
		params: params,
		fs:     afs.New(),
		logger: zap.NewNop(),
		tracer: otel.Tracer("confreg/regression"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.denoiser == nil {
		r.denoiser = aroma.NewNative(aroma.WithLogger(r.logger))
	}
	return r
}

// Params returns the parameters of the regressor.
func (r *Regressor) Params() *Params { return r.params }

// Fingerprint identifies the output Process would write for files. It
// changes with the parameters, the ICA-AROMA implementation and the input
// paths.
func (r *Regressor) Fingerprint(files models.ScanFiles) (string, error) {
	doc, err := yaml.Marshal(struct {
		Params    *Params `yaml:"params"`
		Denoiser  string  `yaml:"denoiser"`
		Scan      string  `yaml:"scan"`
		Bold      string  `yaml:"bold"`
		BrainMask string  `yaml:"brainMask"`
		CSFMask   string  `yaml:"csfMask"`
		Confounds string  `yaml:"confounds"`
		FD        string  `yaml:"fd"`
	}{
		Params:    r.params,
		Denoiser:  fmt.Sprintf("%T", r.denoiser),
		Scan:      files.Key.String(),
		Bold:      files.Bold,
		BrainMask: files.BrainMask,
		CSFMask:   files.CSFMask,
		Confounds: files.Confounds,
		FD:        files.FD,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode parameters: %w", err)
	}
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:]), nil
}

// scanRun carries the state of one Process call between steps.
type scanRun struct {
	files   models.ScanFiles
	key     string
	workDir string

	table *confounds.Table
	fd    *confounds.Table
	specs []confounds.Spec

	tr     float64
	bold   *nifti.Volume
	volume *nifti.Volume
	regs   *confounds.Regressors
	matrix *mat.Dense
	result *Result
}

// Process runs the pipeline for one scan and writes
// {OutputDir}/{scan}_cleaned{ext}.
func (r *Regressor) Process(ctx context.Context, files models.ScanFiles) (*Result, error) {
	run := &scanRun{
		files:   files,
		key:     files.Key.String(),
		workDir: filepath.Join(r.params.OutputDir, files.Key.String()+"_work"),
	}
	run.result = &Result{
		Scan:     run.key,
		BoldPath: files.Bold,
		AromaDir: r.params.OutputDir,
	}

	ctx, span := r.tracer.Start(ctx, "regression.Process",
		trace.WithAttributes(attribute.String("scan", run.key)))
	defer span.End()

	if !r.params.SaveIntermediaryResults {
		defer r.removeWorkDir(run.workDir)
	}

	steps := []struct {
		name string
		fn   func(context.Context, *scanRun) error
	}{
		{"Checking inputs and confound tables", r.prepare},
		{"Spatial smoothing", r.smooth},
		{"ICA-AROMA denoising", r.denoise},
		{"Resolving confounds", r.resolveConfounds},
		{"Cleaning timeseries", r.clean},
		{"Scrubbing high-motion frames", r.scrub},
		{"Writing cleaned volume", r.write},
	}
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.runStep(ctx, run, i+1, step.name, step.fn); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan %s: %s: %w", run.key, step.name, err)
		}
	}

	if r.params.SaveIntermediaryResults {
		run.result.WorkDir = run.workDir
	}
	return run.result, nil
}

// removeWorkDir drops the intermediates of a scan, whether it succeeded or not.
func (r *Regressor) removeWorkDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		r.logger.Warn("Failed to remove work directory", zap.String("dir", dir), zap.Error(err))
	}
}

func (r *Regressor) runStep(ctx context.Context, run *scanRun, n int, name string, fn func(context.Context, *scanRun) error) error {
	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("scan", run.key),
		attribute.Int("step", n)))
	defer span.End()

	r.logger.Info(fmt.Sprintf("Step %d: %s", n, name), zap.String("scan", run.key), zap.Int("step", n))
	if err := fn(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// prepare validates the inputs the requested features need and reads the
// confound tables, so that bad requests fail before any image is loaded.
func (r *Regressor) prepare(ctx context.Context, run *scanRun) error {
	p := r.params
	if p.OutputDir == "" {
		return fmt.Errorf("output directory is not set")
	}
	if err := locator.Require(run.files, models.ArtifactBold, models.ArtifactBrainMask, models.ArtifactConfounds); err != nil {
		return err
	}
	if p.RunAroma {
		if err := locator.Require(run.files, models.ArtifactCSFMask); err != nil {
			return err
		}
	}

	table, err := confounds.ReadTable(ctx, r.fs, run.files.Confounds)
	if err != nil {
		return err
	}
	run.table = table
	specs, err := confounds.ParseSpecs(p.Confounds, table)
	if err != nil {
		return err
	}
	run.specs = specs

	needFD := p.RunScrubbing
	for _, s := range specs {
		if s.Kind == confounds.MeanFD {
			needFD = true
		}
	}
	if needFD {
		if err := locator.Require(run.files, models.ArtifactFD); err != nil {
			return err
		}
		fd, err := confounds.ReadTable(ctx, r.fs, run.files.FD)
		if err != nil {
			return err
		}
		if !fd.Has(confounds.FDMeanColumn) {
			return fmt.Errorf("%w: %q in %s", confounds.ErrMissingColumn, confounds.FDMeanColumn, run.files.FD)
		}
		run.fd = fd
	}
	return os.MkdirAll(run.workDir, 0755)
}

func (r *Regressor) smooth(_ context.Context, run *scanRun) error {
	bold, err := nifti.Read(run.files.Bold)
	if err != nil {
		return err
	}
	run.bold = bold
	run.tr = r.params.TR
	if run.tr <= 0 {
		run.tr = bold.Header.RepetitionTime()
	}
	run.result.Frames = bold.Frames()

	run.volume = spatial.Smooth(bold, r.params.SmoothingFWHM)
	return r.saveIntermediaryResult(run, "smoothed", run.volume)
}

func (r *Regressor) denoise(ctx context.Context, run *scanRun) error {
	if !r.params.RunAroma {
		r.logger.Debug("ICA-AROMA not requested", zap.String("scan", run.key))
		return nil
	}

	// The denoiser reads from disk, so the smoothed volume is always written.
	smoothedPath := filepath.Join(run.workDir, run.key+"_smoothed"+nifti.Ext(run.files.Bold))
	if err := nifti.Write(smoothedPath, run.volume); err != nil {
		return err
	}
	parPath := filepath.Join(run.workDir, run.key+"_motion.par")
	if err := confounds.WriteMotionPar(ctx, r.fs, run.table, parPath); err != nil {
		return err
	}

	aromaDir := filepath.Join(r.params.OutputDir, run.key+"_aroma")
	out, err := r.denoiser.Denoise(ctx, aroma.Input{
		BoldPath:      smoothedPath,
		OutDir:        aromaDir,
		MotionParPath: parPath,
		BrainMaskPath: run.files.BrainMask,
		CSFMaskPath:   run.files.CSFMask,
		TR:            run.tr,
		Dim:           r.params.AromaDim,
		Mode:          r.params.AromaMode,
	})
	if err != nil {
		return err
	}
	denoised, err := nifti.Read(out.DenoisedPath)
	if err != nil {
		return err
	}
	if !denoised.SameGrid(run.volume) || denoised.Frames() != run.volume.Frames() {
		return fmt.Errorf("ICA-AROMA output %s does not match the bold volume", out.DenoisedPath)
	}
	run.volume = denoised
	run.result.AromaDir = aromaDir
	run.result.MotionComponents = out.MotionComponents
	r.logger.Info("Removed motion components",
		zap.String("scan", run.key),
		zap.Ints("components", out.MotionComponents))
	return nil
}

func (r *Regressor) resolveConfounds(_ context.Context, run *scanRun) error {
	regs, err := confounds.Select(run.table, run.specs, run.fd)
	if err != nil {
		return err
	}
	run.regs = regs
	if regs != nil {
		run.matrix = regs.Matrix
		run.result.Regressors = regs.Names
	}

	if iv := r.params.Interval; iv != nil {
		sliced, err := temporal.SelectInterval(run.volume, *iv)
		if err != nil {
			return err
		}
		run.volume = sliced
		if run.matrix, err = temporal.SliceRows(run.matrix, *iv); err != nil {
			return err
		}
	}
	return nil
}

func (r *Regressor) clean(_ context.Context, run *scanRun) error {
	mask, err := nifti.Read(run.files.BrainMask)
	if err != nil {
		return err
	}
	opts := cleaning.Options{
		Detrend:     r.params.Detrend,
		Standardize: r.params.Standardize,
		LowPass:     r.params.LowPass,
		HighPass:    r.params.HighPass,
		TR:          run.tr,
	}
	var confoundMatrix mat.Matrix
	if run.matrix != nil {
		confoundMatrix = run.matrix
	}
	cleaned, err := cleaning.CleanVolume(run.volume, mask, confoundMatrix, opts)
	if err != nil {
		return err
	}
	run.volume = cleaned
	return r.saveIntermediaryResult(run, "cleaned_prescrub", cleaned)
}

func (r *Regressor) scrub(_ context.Context, run *scanRun) error {
	if !r.params.RunScrubbing {
		return nil
	}
	meanFD, err := run.fd.Column(confounds.FDMeanColumn)
	if err != nil {
		return err
	}
	before := run.volume.Frames()
	scrubbed, _, err := temporal.Scrub(run.volume, meanFD, r.params.ScrubbingThreshold, r.params.Interval)
	if err != nil {
		return err
	}
	run.volume = scrubbed
	run.result.DroppedFrames = before - scrubbed.Frames()
	if scrubbed.Frames() == 0 {
		r.logger.Warn("Scrubbing removed every frame", zap.String("scan", run.key))
	}
	return nil
}

func (r *Regressor) write(_ context.Context, run *scanRun) error {
	path := filepath.Join(r.params.OutputDir, run.key+"_cleaned"+nifti.Ext(run.files.Bold))
	if err := nifti.Write(path, run.volume); err != nil {
		return err
	}
	run.result.CleanedPath = path
	run.result.Frames = run.volume.Frames()
	return nil
}

// saveIntermediaryResult writes vol to the work directory as {scan}_{stage}{ext}.
func (r *Regressor) saveIntermediaryResult(run *scanRun, stage string, vol *nifti.Volume) error {
	if !r.params.SaveIntermediaryResults {
		return nil
	}
	path := filepath.Join(run.workDir, fmt.Sprintf("%s_%s%s", run.key, stage, nifti.Ext(run.files.Bold)))
	if err := nifti.Write(path, vol); err != nil {
		return fmt.Errorf("failed to save intermediary result %s: %w", stage, err)
	}
	r.logger.Debug("Saved intermediary result", zap.String("scan", run.key), zap.String("path", path))
	return nil
}
