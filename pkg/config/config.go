// Package config provides configuration loading and management for confreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"confreg/pkg/aroma"
	"confreg/pkg/batch"
	"confreg/pkg/regression"
	"confreg/pkg/temporal"
)

// AppName names the configuration directory under XDG_CONFIG_HOME.
const AppName = "confreg"

// LocalConfigFile is looked up in the working directory.
const LocalConfigFile = ".confreg.yaml"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input locations
	Input struct {
		// RabiesOut is the RABIES preprocessing output directory
		RabiesOut string `yaml:"rabiesOut"`

		// CommonspaceBold selects the commonspace datasinks instead of native space
		CommonspaceBold bool `yaml:"commonspaceBold"`
	} `yaml:"input"`

	// Output parameters
	Output struct {
		// Dir receives the cleaned volumes
		Dir string `yaml:"dir"`

		// SaveIntermediaryResults keeps the smoothed and pre-scrub volumes
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// Ledger records completed scans in confreg.db
		Ledger bool `yaml:"ledger"`
	} `yaml:"output"`

	// Cleaning parameters
	Cleaning struct {
		// TR is the repetition time in seconds; 0 reads it from the bold header
		TR float64 `yaml:"tr"`

		// HighPass and LowPass are band-pass cutoffs in Hz; 0 disables either
		HighPass float64 `yaml:"highpass"`
		LowPass  float64 `yaml:"lowpass"`

		// SmoothingFWHM is the spatial smoothing kernel width in mm
		SmoothingFWHM float64 `yaml:"smoothingFWHM"`

		Detrend     bool `yaml:"detrend"`
		Standardize bool `yaml:"standardize"`

		// Confounds lists mot_6, mot_24, aCompCor, mean_FD or column names
		Confounds []string `yaml:"confounds"`

		// TimeseriesInterval is "all" or "low,high"
		TimeseriesInterval string `yaml:"timeseriesInterval"`
	} `yaml:"cleaning"`

	// ICA-AROMA parameters
	Aroma struct {
		Enabled bool `yaml:"enabled"`

		// Dim is the ICA dimensionality; 0 estimates it
		Dim int `yaml:"dim"`

		// Backend is native or external
		Backend string `yaml:"backend"`

		// Command runs the external ICA-AROMA
		Command []string `yaml:"command"`

		// Mode is nonaggr or aggr
		Mode string `yaml:"mode"`
	} `yaml:"aroma"`

	// Scrubbing parameters
	Scrubbing struct {
		Enabled bool `yaml:"enabled"`

		// Threshold is the mean FD in mm at which a frame is dropped
		Threshold float64 `yaml:"threshold"`
	} `yaml:"scrubbing"`

	// Diagnosis parameters
	Diagnosis struct {
		Enabled bool `yaml:"enabled"`

		// OutputDir defaults to {output.dir}/diagnosis
		OutputDir string `yaml:"outputDir"`

		// Seeds are NIfTI masks, mapped onto each scan through the affines
		Seeds []string `yaml:"seeds"`

		// Previews writes JPEG mid-slices of every map
		Previews bool `yaml:"previews"`
	} `yaml:"diagnosis"`

	// Execution parameters
	Execution struct {
		// Plugin is Linear or MultiProc
		Plugin string `yaml:"plugin"`

		// MaxJobs caps MultiProc concurrency
		MaxJobs int `yaml:"maxJobs"`

		// Force reprocesses scans already completed in the ledger
		Force bool `yaml:"force"`
	} `yaml:"execution"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Output.Dir = "confound_regression"
	cfg.Output.Ledger = true

	params := regression.DefaultParams()
	cfg.Cleaning.TR = params.TR
	cfg.Cleaning.SmoothingFWHM = params.SmoothingFWHM
	cfg.Cleaning.Detrend = params.Detrend
	cfg.Cleaning.Standardize = params.Standardize
	cfg.Cleaning.Confounds = []string{}
	cfg.Cleaning.TimeseriesInterval = "all"

	cfg.Aroma.Backend = string(aroma.BackendNative)
	cfg.Aroma.Command = []string{"ICA_AROMA.py"}
	cfg.Aroma.Mode = string(aroma.NonAggressive)

	cfg.Scrubbing.Threshold = params.ScrubbingThreshold

	cfg.Diagnosis.Seeds = []string{}
	cfg.Diagnosis.Previews = true

	cfg.Execution.Plugin = string(batch.Linear)
	cfg.Execution.MaxJobs = 50

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// UserConfigFile returns $XDG_CONFIG_HOME/confreg/config.yaml.
func UserConfigFile() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// FindConfigFile searches for the configuration file in the following order:
//  1. configPath, when given; ErrConfigNotFound if it does not exist
//  2. .confreg.yaml in the current directory
//  3. config.yaml in the user configuration directory
//
// It returns "" when no file is found and none was requested.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, configPath)
		}
		return configPath, nil
	}

	if cwd, err := os.Getwd(); err == nil {
		if local := filepath.Join(cwd, LocalConfigFile); fileExists(local) {
			return local, nil
		}
	}

	if user := UserConfigFile(); fileExists(user) {
		return user, nil
	}
	return "", nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Input.RabiesOut == "" {
		return ErrNoInput
	}
	if c.Output.Dir == "" {
		return ErrNoOutput
	}

	cl := c.Cleaning
	if cl.TR < 0 {
		return fmt.Errorf("%w: %g", ErrInvalidRepetitionTime, cl.TR)
	}
	if cl.HighPass < 0 || cl.LowPass < 0 {
		return fmt.Errorf("%w: highpass %g, lowpass %g", ErrInvalidCutoff, cl.HighPass, cl.LowPass)
	}
	if cl.HighPass > 0 && cl.LowPass > 0 && cl.LowPass <= cl.HighPass {
		return fmt.Errorf("%w: lowpass %g must exceed highpass %g", ErrInvalidCutoff, cl.LowPass, cl.HighPass)
	}
	if cl.SmoothingFWHM < 0 {
		return fmt.Errorf("%w: %g", ErrInvalidSmoothing, cl.SmoothingFWHM)
	}
	if _, err := temporal.ParseInterval(cl.TimeseriesInterval); err != nil {
		return err
	}

	if c.Aroma.Dim < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAromaDim, c.Aroma.Dim)
	}
	switch aroma.Backend(c.Aroma.Backend) {
	case "", aroma.BackendNative:
	case aroma.BackendExternal:
		if len(c.Aroma.Command) == 0 {
			return fmt.Errorf("%w: external backend without a command", ErrUnknownAromaBackend)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAromaBackend, c.Aroma.Backend)
	}
	if _, err := aroma.ParseMode(c.Aroma.Mode); err != nil {
		return err
	}

	if c.Scrubbing.Enabled && c.Scrubbing.Threshold <= 0 {
		return fmt.Errorf("%w: %g", ErrInvalidScrubbingThreshold, c.Scrubbing.Threshold)
	}

	if _, err := batch.ParsePlugin(c.Execution.Plugin); err != nil {
		return err
	}
	if c.Execution.MaxJobs < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxJobs, c.Execution.MaxJobs)
	}
	return nil
}

// RegressionParams converts the cleaning, ICA-AROMA and scrubbing sections.
func (c *Config) RegressionParams() (*regression.Params, error) {
	interval, err := temporal.ParseInterval(c.Cleaning.TimeseriesInterval)
	if err != nil {
		return nil, err
	}
	mode, err := aroma.ParseMode(c.Aroma.Mode)
	if err != nil {
		return nil, err
	}
	return &regression.Params{
		OutputDir:               c.Output.Dir,
		TR:                      c.Cleaning.TR,
		HighPass:                c.Cleaning.HighPass,
		LowPass:                 c.Cleaning.LowPass,
		SmoothingFWHM:           c.Cleaning.SmoothingFWHM,
		Detrend:                 c.Cleaning.Detrend,
		Standardize:             c.Cleaning.Standardize,
		Confounds:               append([]string(nil), c.Cleaning.Confounds...),
		RunAroma:                c.Aroma.Enabled,
		AromaDim:                c.Aroma.Dim,
		AromaMode:               mode,
		RunScrubbing:            c.Scrubbing.Enabled,
		ScrubbingThreshold:      c.Scrubbing.Threshold,
		Interval:                interval,
		SaveIntermediaryResults: c.Output.SaveIntermediaryResults,
	}, nil
}

// DiagnosisDir returns the diagnosis output directory.
func (c *Config) DiagnosisDir() string {
	if c.Diagnosis.OutputDir != "" {
		return c.Diagnosis.OutputDir
	}
	return filepath.Join(c.Output.Dir, "diagnosis")
}

// Concurrency returns the number of scans run at once.
func (c *Config) Concurrency() int {
	plugin, err := batch.ParsePlugin(c.Execution.Plugin)
	if err != nil {
		return 1
	}
	return plugin.Limit(c.Execution.MaxJobs)
}
