package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/viant/afs"
	"go.uber.org/zap"

	"confreg/internal/models"
	"confreg/pkg/aroma"
	"confreg/pkg/batch"
	"confreg/pkg/config"
	"confreg/pkg/diagnosis"
	"confreg/pkg/ledger"
	"confreg/pkg/locator"
	"confreg/pkg/regression"
)

// NewRegressCmd creates the regress command.
func NewRegressCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regress [rabies_out] [output_dir]",
		Short: "Run confound regression on every scan of a RABIES output directory",
		Long: `Regress finds every bold scan under the RABIES output directory, pairs it
with its brain mask, CSF mask, confound table and framewise displacement
table, and writes {output_dir}/{scan}_cleaned.nii[.gz] for each scan.

The positional arguments override input.rabiesOut and output.dir.

Examples:
  # Motion and aCompCor regressors with a 0.01-0.1 Hz band-pass
  confreg regress rabies_out cleaned --conf-list mot_6,aCompCor --highpass 0.01 --lowpass 0.1

  # ICA-AROMA and scrubbing on commonspace outputs, four scans at a time
  confreg regress rabies_out cleaned --commonspace-bold --run-aroma --apply-scrubbing -p MultiProc --max-jobs 4`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer g.teardown()
			return runRegress(cmd, g, args)
		},
	}

	f := cmd.Flags()
	f.Bool("commonspace-bold", false, "Use the commonspace bold, masks and CSF masks")
	f.Float64("TR", 1.0, "Repetition time in seconds; 0 reads it from the bold header")
	f.Float64("highpass", 0, "High-pass cutoff in Hz (0 disables)")
	f.Float64("lowpass", 0, "Low-pass cutoff in Hz (0 disables)")
	f.Float64("smoothing-filter", 0.3, "Spatial smoothing FWHM in mm")
	f.StringSlice("conf-list", nil, "Confounds to regress: mot_6, mot_24, aCompCor, mean_FD or column names")
	f.String("timeseries-interval", "all", `Timepoints to keep, "all" or "low,high"`)
	f.Bool("run-aroma", false, "Denoise with ICA-AROMA before regression")
	f.Int("aroma-dim", 0, "ICA-AROMA dimensionality (0 estimates it)")
	f.String("aroma-backend", string(aroma.BackendNative), "ICA-AROMA backend: native or external")
	f.StringArray("aroma-command", nil, "External ICA-AROMA command and leading arguments, one flag per word")
	f.String("aroma-mode", string(aroma.NonAggressive), "ICA-AROMA denoising: nonaggr or aggr")
	f.Bool("apply-scrubbing", false, "Drop frames whose mean FD reaches the threshold, with their neighbours")
	f.Float64("scrubbing-threshold", 0.1, "Scrubbing threshold on mean FD in mm")
	f.Bool("diagnosis", false, "Write tSNR, ICA and seed correlation maps for each cleaned scan")
	f.String("diagnosis-output", "", "Diagnosis directory (default: {output_dir}/diagnosis)")
	f.StringSlice("seed-list", nil, "Seed masks for correlation maps")
	f.StringP("plugin", "p", string(batch.Linear), "Execution plugin: Linear or MultiProc")
	f.Int("max-jobs", 50, "Maximum concurrent scans for MultiProc")
	f.Bool("force", false, "Reprocess scans already completed in the ledger")
	f.Bool("save-intermediary", false, "Keep the smoothed and pre-scrub volumes in each scan work directory")
	f.Bool("no-ledger", false, "Do not record or skip completed scans")

	return cmd
}

// loadConfig reads the configuration file and applies the flags the user set.
func loadConfig(flags *pflag.FlagSet, configPath string, args []string) (*config.Config, error) {
	path, err := config.FindConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.Input.RabiesOut = args[0]
	}
	if len(args) > 1 {
		cfg.Output.Dir = args[1]
	}

	var ferr error
	set := func(name string, apply func() error) {
		if ferr == nil && flags.Changed(name) {
			ferr = apply()
		}
	}
	set("commonspace-bold", func() (err error) { cfg.Input.CommonspaceBold, err = flags.GetBool("commonspace-bold"); return })
	set("TR", func() (err error) { cfg.Cleaning.TR, err = flags.GetFloat64("TR"); return })
	set("highpass", func() (err error) { cfg.Cleaning.HighPass, err = flags.GetFloat64("highpass"); return })
	set("lowpass", func() (err error) { cfg.Cleaning.LowPass, err = flags.GetFloat64("lowpass"); return })
	set("smoothing-filter", func() (err error) { cfg.Cleaning.SmoothingFWHM, err = flags.GetFloat64("smoothing-filter"); return })
	set("conf-list", func() (err error) { cfg.Cleaning.Confounds, err = flags.GetStringSlice("conf-list"); return })
	set("timeseries-interval", func() (err error) {
		cfg.Cleaning.TimeseriesInterval, err = flags.GetString("timeseries-interval")
		return
	})
	set("run-aroma", func() (err error) { cfg.Aroma.Enabled, err = flags.GetBool("run-aroma"); return })
	set("aroma-dim", func() (err error) { cfg.Aroma.Dim, err = flags.GetInt("aroma-dim"); return })
	set("aroma-backend", func() (err error) { cfg.Aroma.Backend, err = flags.GetString("aroma-backend"); return })
	set("aroma-command", func() (err error) { cfg.Aroma.Command, err = flags.GetStringArray("aroma-command"); return })
	set("aroma-mode", func() (err error) { cfg.Aroma.Mode, err = flags.GetString("aroma-mode"); return })
	set("apply-scrubbing", func() (err error) { cfg.Scrubbing.Enabled, err = flags.GetBool("apply-scrubbing"); return })
	set("scrubbing-threshold", func() (err error) {
		cfg.Scrubbing.Threshold, err = flags.GetFloat64("scrubbing-threshold")
		return
	})
	set("diagnosis", func() (err error) { cfg.Diagnosis.Enabled, err = flags.GetBool("diagnosis"); return })
	set("diagnosis-output", func() (err error) { cfg.Diagnosis.OutputDir, err = flags.GetString("diagnosis-output"); return })
	set("seed-list", func() (err error) { cfg.Diagnosis.Seeds, err = flags.GetStringSlice("seed-list"); return })
	set("plugin", func() (err error) { cfg.Execution.Plugin, err = flags.GetString("plugin"); return })
	set("max-jobs", func() (err error) { cfg.Execution.MaxJobs, err = flags.GetInt("max-jobs"); return })
	set("force", func() (err error) { cfg.Execution.Force, err = flags.GetBool("force"); return })
	set("save-intermediary", func() (err error) {
		cfg.Output.SaveIntermediaryResults, err = flags.GetBool("save-intermediary")
		return
	})
	set("no-ledger", func() error {
		off, err := flags.GetBool("no-ledger")
		cfg.Output.Ledger = !off
		return err
	})
	if ferr != nil {
		return nil, ferr
	}
	return cfg, cfg.Validate()
}

func runRegress(cmd *cobra.Command, g *globalOptions, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := g.logger

	cfg, err := loadConfig(cmd.Flags(), g.configPath, args)
	if err != nil {
		return err
	}
	params, err := cfg.RegressionParams()
	if err != nil {
		return err
	}

	fs := afs.New()
	scans, located, err := discoverScans(ctx, fs, cfg, logger)
	if err != nil {
		return err
	}
	if len(scans) == 0 && located == 0 {
		return fmt.Errorf("%w: no bold scans under %s", locator.ErrMissingInputFile, cfg.Input.RabiesOut)
	}

	denoiser, err := aroma.New(aroma.Backend(cfg.Aroma.Backend), cfg.Aroma.Command, aroma.WithLogger(logger))
	if err != nil {
		return err
	}
	regressor := regression.NewRegressor(params,
		regression.WithLogger(logger),
		regression.WithDenoiser(denoiser),
		regression.WithFileService(fs))

	opts := []batch.Option{
		batch.WithLogger(logger),
		batch.WithLimit(cfg.Concurrency()),
		batch.WithForce(cfg.Execution.Force),
	}
	if cfg.Output.Ledger {
		l, err := ledger.Open(cfg.Output.Dir)
		if err != nil {
			return err
		}
		defer l.Close()
		logger.Info("Recording scans", zap.String("ledger", l.Path()), zap.String("run_id", l.RunID()))
		opts = append(opts, batch.WithLedger(l))
	}
	if cfg.Diagnosis.Enabled {
		opts = append(opts, batch.WithDiagnoser(diagnosis.NewReporter(cfg.DiagnosisDir(),
			diagnosis.WithLogger(logger),
			diagnosis.WithSeeds(cfg.Diagnosis.Seeds...),
			diagnosis.WithPreviews(cfg.Diagnosis.Previews))))
	}

	outcomes, err := batch.New(regressor, opts...).Run(ctx, scans)
	printSummary(cmd.OutOrStdout(), outcomes)
	if err != nil {
		return err
	}
	failed := batch.Failed(outcomes) + located
	if failed > 0 {
		return fmt.Errorf("%d of %d scans failed", failed, len(outcomes)+located)
	}
	return nil
}

// discoverScans locates the files of every scan. Scans with missing inputs
// are logged and counted in the second return value.
func discoverScans(ctx context.Context, fs afs.Service, cfg *config.Config, logger *zap.Logger) ([]models.ScanFiles, int, error) {
	sets, err := locator.Discover(ctx, fs, cfg.Input.RabiesOut, cfg.Input.CommonspaceBold)
	if err != nil {
		return nil, 0, err
	}
	keys, err := locator.ScanKeys(sets.Bold)
	if err != nil {
		return nil, 0, err
	}
	var (
		scans  []models.ScanFiles
		failed int
	)
	for _, key := range keys {
		files, err := locator.Locate(key, sets)
		if err != nil {
			logger.Error("Skipping scan", zap.String("scan", key.String()), zap.Error(err))
			failed++
			continue
		}
		scans = append(scans, files)
	}
	logger.Info("Discovered scans", zap.Int("scans", len(scans)), zap.Int("incomplete", failed))
	return scans, failed, nil
}

func printSummary(w io.Writer, outcomes []batch.Outcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCAN\tSTATUS\tFRAMES\tOUTPUT")
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			fmt.Fprintf(tw, "%s\tskipped\t-\t-\n", o.Scan)
		case o.Err != nil:
			fmt.Fprintf(tw, "%s\tfailed\t-\t%v\n", o.Scan, o.Err)
		default:
			status := "completed"
			if o.DiagnosisErr != nil {
				status = "completed (diagnosis failed)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", o.Scan, status, o.Result.Frames, o.Result.CleanedPath)
		}
	}
	tw.Flush()
}
