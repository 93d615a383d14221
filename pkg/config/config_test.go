package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confreg/internal/models"
	"confreg/pkg/aroma"
	"confreg/pkg/regression"
	"confreg/pkg/temporal"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Input.RabiesOut = "/data/rabies_out"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1.0, cfg.Cleaning.TR)
	assert.Equal(t, 0.3, cfg.Cleaning.SmoothingFWHM)
	assert.Zero(t, cfg.Cleaning.HighPass)
	assert.Zero(t, cfg.Cleaning.LowPass)
	assert.Empty(t, cfg.Cleaning.Confounds)
	assert.Equal(t, "all", cfg.Cleaning.TimeseriesInterval)
	assert.False(t, cfg.Aroma.Enabled)
	assert.Zero(t, cfg.Aroma.Dim)
	assert.Equal(t, "native", cfg.Aroma.Backend)
	assert.Equal(t, "nonaggr", cfg.Aroma.Mode)
	assert.False(t, cfg.Scrubbing.Enabled)
	assert.Equal(t, 0.1, cfg.Scrubbing.Threshold)
	assert.False(t, cfg.Diagnosis.Enabled)
	assert.Equal(t, "Linear", cfg.Execution.Plugin)
	assert.Equal(t, 50, cfg.Execution.MaxJobs)
	assert.True(t, cfg.Output.Ledger)

	assert.ErrorIs(t, cfg.Validate(), ErrNoInput)
	assert.NoError(t, validConfig().Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
input:
  rabiesOut: /data/rabies
cleaning:
  highpass: 0.01
  lowpass: 0.1
  confounds: [mot_6, aCompCor]
  timeseriesInterval: "10,90"
scrubbing:
  enabled: true
  threshold: 0.05
execution:
  plugin: MultiProc
  maxJobs: 4
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/data/rabies", cfg.Input.RabiesOut)
	assert.Equal(t, []string{"mot_6", "aCompCor"}, cfg.Cleaning.Confounds)
	assert.Equal(t, 0.3, cfg.Cleaning.SmoothingFWHM, "unset keys keep their defaults")
	assert.Equal(t, 4, cfg.Concurrency())

	params, err := cfg.RegressionParams()
	require.NoError(t, err)
	want := regression.DefaultParams()
	want.HighPass = 0.01
	want.LowPass = 0.1
	want.Confounds = []string{"mot_6", "aCompCor"}
	want.Interval = &models.Interval{Low: 10, High: 90}
	want.RunScrubbing = true
	want.ScrubbingThreshold = 0.05
	if diff := cmp.Diff(want, params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cleaning: [unterminated"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"no output", func(c *Config) { c.Output.Dir = "" }, ErrNoOutput},
		{"negative TR", func(c *Config) { c.Cleaning.TR = -1 }, ErrInvalidRepetitionTime},
		{"negative cutoff", func(c *Config) { c.Cleaning.HighPass = -0.1 }, ErrInvalidCutoff},
		{"inverted band", func(c *Config) { c.Cleaning.HighPass, c.Cleaning.LowPass = 0.1, 0.05 }, ErrInvalidCutoff},
		{"negative smoothing", func(c *Config) { c.Cleaning.SmoothingFWHM = -1 }, ErrInvalidSmoothing},
		{"bad interval", func(c *Config) { c.Cleaning.TimeseriesInterval = "50,10" }, temporal.ErrInvalidInterval},
		{"negative dim", func(c *Config) { c.Aroma.Dim = -2 }, ErrInvalidAromaDim},
		{"unknown backend", func(c *Config) { c.Aroma.Backend = "melodic" }, ErrUnknownAromaBackend},
		{"external without command", func(c *Config) {
			c.Aroma.Backend = "external"
			c.Aroma.Command = nil
		}, ErrUnknownAromaBackend},
		{"scrub threshold", func(c *Config) {
			c.Scrubbing.Enabled = true
			c.Scrubbing.Threshold = 0
		}, ErrInvalidScrubbingThreshold},
		{"max jobs", func(c *Config) { c.Execution.MaxJobs = 0 }, ErrInvalidMaxJobs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}

	cfg := validConfig()
	cfg.Aroma.Mode = "both"
	assert.Error(t, cfg.Validate())
	cfg = validConfig()
	cfg.Execution.Plugin = "SGE"
	assert.Error(t, cfg.Validate())
}

func TestRegressionParamsAroma(t *testing.T) {
	cfg := validConfig()
	cfg.Aroma.Enabled = true
	cfg.Aroma.Dim = 20
	cfg.Aroma.Mode = "aggr"
	cfg.Output.SaveIntermediaryResults = true

	params, err := cfg.RegressionParams()
	require.NoError(t, err)
	assert.True(t, params.RunAroma)
	assert.Equal(t, 20, params.AromaDim)
	assert.Equal(t, aroma.Aggressive, params.AromaMode)
	assert.True(t, params.SaveIntermediaryResults)
	assert.Nil(t, params.Interval)
}

func TestDiagnosisDir(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, filepath.Join("confound_regression", "diagnosis"), cfg.DiagnosisDir())
	cfg.Diagnosis.OutputDir = "/tmp/diag"
	assert.Equal(t, "/tmp/diag", cfg.DiagnosisDir())
}

func TestConcurrency(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 1, cfg.Concurrency())
	cfg.Execution.Plugin = "multiproc"
	cfg.Execution.MaxJobs = 3
	assert.Equal(t, 3, cfg.Concurrency())
}

func TestFindConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	xdg.Reload()
	t.Cleanup(xdg.Reload)
	t.Chdir(t.TempDir())

	path, err := FindConfigFile("")
	require.NoError(t, err)
	assert.Empty(t, path)

	user := filepath.Join(home, AppName, "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(user))
	path, err = FindConfigFile("")
	require.NoError(t, err)
	assert.Equal(t, user, path)

	require.NoError(t, CreateDefaultConfigFile(LocalConfigFile))
	path, err = FindConfigFile("")
	require.NoError(t, err)
	assert.Equal(t, LocalConfigFile, filepath.Base(path))

	explicit := filepath.Join(t.TempDir(), "mine.yaml")
	_, err = FindConfigFile(explicit)
	assert.ErrorIs(t, err, ErrConfigNotFound)
	require.NoError(t, CreateDefaultConfigFile(explicit))
	path, err = FindConfigFile(explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, path)
}
