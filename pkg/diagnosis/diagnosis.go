// Package diagnosis produces quality maps for cleaned scans: a tSNR map of
// the input bold, an ICA decomposition of the cleaned series, seed-based
// correlation maps, JPEG previews and a markdown summary.
package diagnosis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"confreg/pkg/ica"
	"confreg/pkg/nifti"
	"confreg/pkg/visualization"
)

// Input names the files of one cleaned scan.
type Input struct {
	Scan          string
	CleanedPath   string
	BoldPath      string
	BrainMaskPath string
}

// SeedResult is the outcome of one seed. Err is set when the seed failed;
// other seeds are unaffected.
type SeedResult struct {
	Name   string
	Path   string
	Voxels int
	Err    error
}

// Report lists what was written for a scan.
type Report struct {
	Scan string
	Dir  string

	TSNRPath string
	MeanTSNR float64

	ICAPath    string
	MixPath    string
	Components int

	Seeds    []SeedResult
	Previews []string

	MarkdownPath string
}

// FailedSeeds counts the seeds that could not be mapped.
func (r *Report) FailedSeeds() int {
	n := 0
	for _, s := range r.Seeds {
		if s.Err != nil {
			n++
		}
	}
	return n
}

// Reporter writes diagnosis outputs under one directory.
type Reporter struct {
	outDir   string
	seeds    []string
	ica      ica.Options
	previews bool
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Reporter) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithSeeds sets the seed mask files.
func WithSeeds(paths ...string) Option {
	return func(r *Reporter) { r.seeds = append([]string(nil), paths...) }
}

// WithICAOptions overrides the decomposition settings.
func WithICAOptions(opts ica.Options) Option {
	return func(r *Reporter) { r.ica = opts }
}

// WithPreviews toggles the JPEG previews.
func WithPreviews(enabled bool) Option {
	return func(r *Reporter) { r.previews = enabled }
}

// NewReporter creates a reporter writing to outDir.
func NewReporter(outDir string, opts ...Option) *Reporter {
	r := &Reporter{
		outDir:   outDir,
		ica:      ica.DefaultOptions(),
		previews: true,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("confreg/diagnosis"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run writes the diagnosis of one scan. Map failures abort the scan except
// for seeds, which are recorded in the report.
func (r *Reporter) Run(ctx context.Context, in Input) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "diagnosis.Run",
		trace.WithAttributes(attribute.String("scan", in.Scan)))
	defer span.End()

	rep, err := r.run(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("diagnosis of %s: %w", in.Scan, err)
	}
	return rep, nil
}

func (r *Reporter) run(ctx context.Context, in Input) (*Report, error) {
	dir := filepath.Join(r.outDir, in.Scan)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create diagnosis directory: %w", err)
	}
	rep := &Report{Scan: in.Scan, Dir: dir}

	mask, err := nifti.Read(in.BrainMaskPath)
	if err != nil {
		return nil, err
	}

	if err := r.stage(ctx, "tSNR", func() error {
		bold, err := nifti.Read(in.BoldPath)
		if err != nil {
			return err
		}
		tsnr := TSNR(bold)
		rep.TSNRPath = filepath.Join(dir, in.Scan+"_tSNR.nii.gz")
		rep.MeanTSNR = MeanInMask(tsnr, mask)
		if err := nifti.Write(rep.TSNRPath, tsnr); err != nil {
			return err
		}
		return r.preview(rep, tsnr, in.Scan+"_tSNR")
	}); err != nil {
		return nil, err
	}

	cleaned, err := nifti.Read(in.CleanedPath)
	if err != nil {
		return nil, err
	}

	if err := r.stage(ctx, "ICA", func() error {
		maps, mix, err := ICAMaps(cleaned, mask, r.ica)
		if err != nil {
			return err
		}
		rep.Components = maps.Frames()
		rep.ICAPath = filepath.Join(dir, in.Scan+"_melodic_IC.nii.gz")
		rep.MixPath = filepath.Join(dir, in.Scan+"_melodic_mix.tsv")
		if err := nifti.Write(rep.ICAPath, maps); err != nil {
			return err
		}
		return WriteMix(rep.MixPath, mix)
	}); err != nil {
		return nil, err
	}

	if err := r.stage(ctx, "seed correlation", func() error {
		for _, path := range r.seeds {
			if err := ctx.Err(); err != nil {
				return err
			}
			rep.Seeds = append(rep.Seeds, r.seed(rep, cleaned, mask, path))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	rep.MarkdownPath = filepath.Join(dir, in.Scan+"_diagnosis.md")
	if err := WriteMarkdown(rep.MarkdownPath, rep); err != nil {
		return nil, err
	}
	r.logger.Info("Diagnosis written",
		zap.String("scan", in.Scan),
		zap.Float64("mean_tsnr", rep.MeanTSNR),
		zap.Int("components", rep.Components),
		zap.Int("failed_seeds", rep.FailedSeeds()))
	return rep, nil
}

func (r *Reporter) stage(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, span := r.tracer.Start(ctx, name)
	defer span.End()
	r.logger.Debug("Diagnosis stage", zap.String("stage", name))
	if err := fn(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (r *Reporter) seed(rep *Report, cleaned, mask *nifti.Volume, path string) SeedResult {
	res := SeedResult{Name: SeedName(path)}
	seed, err := nifti.Read(path)
	if err != nil {
		res.Err = err
		r.logger.Warn("Seed failed", zap.String("seed", res.Name), zap.Error(err))
		return res
	}
	corr, n, err := SeedCorrelation(cleaned, mask, seed)
	if err == nil {
		res.Path = filepath.Join(rep.Dir, fmt.Sprintf("%s_%s_corr_map.nii.gz", rep.Scan, res.Name))
		err = nifti.Write(res.Path, corr)
	}
	if err == nil {
		err = r.preview(rep, corr, fmt.Sprintf("%s_%s_corr_map", rep.Scan, res.Name))
	}
	if err != nil {
		res.Path = ""
		res.Err = err
		r.logger.Warn("Seed failed", zap.String("seed", res.Name), zap.Error(err))
		return res
	}
	res.Voxels = n
	return res
}

func (r *Reporter) preview(rep *Report, vol *nifti.Volume, prefix string) error {
	if !r.previews {
		return nil
	}
	v, err := visualization.NewViewer(vol, 0)
	if err != nil {
		return err
	}
	paths, err := v.SaveMidSlices(filepath.Join(rep.Dir, "previews"), prefix)
	if err != nil {
		return err
	}
	rep.Previews = append(rep.Previews, paths...)
	return nil
}
