package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"confreg/pkg/tracing"
)

const version = "0.1.0"

// globalOptions holds the persistent flags and what they set up.
type globalOptions struct {
	configPath string
	verbose    bool
	traceFile  string

	logger   *zap.Logger
	shutdown tracing.Shutdown
}

func (g *globalOptions) setup(_ *cobra.Command, _ []string) error {
	cfg := zap.NewProductionConfig()
	if g.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	g.logger = logger

	if g.traceFile != "" {
		shutdown, err := tracing.Init("confreg", version, g.traceFile)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		g.shutdown = shutdown
	}
	return nil
}

// teardown flushes traces and logs. Commands defer it so that it also runs
// when they fail.
func (g *globalOptions) teardown() {
	if g.shutdown != nil {
		if err := g.shutdown(context.Background()); err != nil {
			g.logger.Warn("Failed to flush traces", zap.Error(err))
		}
		g.shutdown = nil
	}
	if g.logger != nil {
		_ = g.logger.Sync()
	}
}

// NewRootCmd creates the root command for confreg.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{logger: zap.NewNop()}
	cmd := &cobra.Command{
		Use:   "confreg",
		Short: "Confound regression for RABIES fMRI outputs",
		Long: `confreg cleans the BOLD timeseries produced by the RABIES preprocessing
pipeline. Each scan is smoothed, optionally denoised with ICA-AROMA,
detrended, band-pass filtered, regressed against the requested confounds,
standardized and optionally scrubbed of high-motion frames.

Settings come from a YAML file (see "confreg init") and are overridden by flags.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: g.setup,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Configuration file (default: ./.confreg.yaml, then the user config directory)")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&g.traceFile, "trace-file", "", "Write OpenTelemetry spans as JSON to this file")

	cmd.AddCommand(NewRegressCmd(g))
	cmd.AddCommand(NewInitCmd(g))

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
