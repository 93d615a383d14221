package config

import "errors"

// Configuration validation errors returned by Config.Validate, matched with
// errors.Is.
var (
	// ErrNoInput is returned when no RABIES output directory is set.
	ErrNoInput = errors.New("no input: set input.rabiesOut or pass the RABIES output directory")

	// ErrNoOutput is returned when the output directory is empty.
	ErrNoOutput = errors.New("no output directory")

	// ErrInvalidRepetitionTime is returned for a negative TR.
	ErrInvalidRepetitionTime = errors.New("invalid TR: must be non-negative")

	// ErrInvalidCutoff is returned for negative cutoffs or a lowpass not
	// above the highpass.
	ErrInvalidCutoff = errors.New("invalid band-pass cutoffs")

	// ErrInvalidSmoothing is returned for a negative FWHM.
	ErrInvalidSmoothing = errors.New("invalid smoothing FWHM: must be non-negative")

	// ErrInvalidAromaDim is returned for a negative ICA dimensionality.
	ErrInvalidAromaDim = errors.New("invalid ICA-AROMA dimensionality: must be non-negative")

	// ErrUnknownAromaBackend is returned when the backend is neither native
	// nor external, or external has no command.
	ErrUnknownAromaBackend = errors.New("unknown ICA-AROMA backend")

	// ErrInvalidScrubbingThreshold is returned when scrubbing is enabled with
	// a threshold that is not positive.
	ErrInvalidScrubbingThreshold = errors.New("invalid scrubbing threshold: must be positive")

	// ErrInvalidMaxJobs is returned when maxJobs is not positive.
	ErrInvalidMaxJobs = errors.New("invalid maxJobs: must be positive")

	// ErrConfigNotFound is returned when an explicitly given file is missing.
	ErrConfigNotFound = errors.New("configuration file not found")
)
