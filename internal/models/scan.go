package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// ScanKey identifies one functional run of one subject
type ScanKey struct {
	// Subject is the BIDS subject label including the "sub-" prefix
	Subject string

	// Session is the BIDS session label including the "ses-" prefix, or empty
	Session string

	// Run is the run number as written in the file name
	Run string

	// raw is the "{prefix}_run-{n}" key used to match sibling files
	raw string
}

// ParseScanKey derives the scan key from a RABIES output file name. The key is
// everything before "_run-" followed by "_run-" and the run number.
func ParseScanKey(path string) (ScanKey, error) {
	base := filepath.Base(path)
	idx := strings.Index(base, "_run-")
	if idx < 0 {
		return ScanKey{}, fmt.Errorf("file name %q carries no _run- entity", base)
	}
	rest := base[idx+len("_run-"):]
	end := strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsDigit(r) })
	if end < 0 {
		end = len(rest)
	}
	if end == 0 {
		return ScanKey{}, fmt.Errorf("file name %q has an empty run number", base)
	}

	key := ScanKey{
		Run: rest[:end],
		raw: base[:idx] + "_run-" + rest[:end],
	}
	for _, entity := range strings.Split(base[:idx], "_") {
		switch {
		case strings.HasPrefix(entity, "sub-"):
			key.Subject = entity
		case strings.HasPrefix(entity, "ses-"):
			key.Session = entity
		}
	}
	return key, nil
}

// String returns the raw key, e.g. "sub-01_ses-1_run-1".
func (k ScanKey) String() string { return k.raw }

// MatchedBy reports whether name contains the key and the run number is not
// immediately continued by another digit, so run-1 never matches run-10.
func (k ScanKey) MatchedBy(name string) bool {
	if k.raw == "" {
		return false
	}
	for from := 0; ; {
		idx := strings.Index(name[from:], k.raw)
		if idx < 0 {
			return false
		}
		end := from + idx + len(k.raw)
		if end == len(name) || !unicode.IsDigit(rune(name[end])) {
			return true
		}
		from = from + idx + 1
	}
}

// Artifact names one input file of a scan.
type Artifact string

const (
	ArtifactBold      Artifact = "bold"
	ArtifactBrainMask Artifact = "brain mask"
	ArtifactCSFMask   Artifact = "CSF mask"
	ArtifactConfounds Artifact = "confounds"
	ArtifactFD        Artifact = "FD"
)

// ScanFiles holds the located inputs of one scan. Optional artifacts that
// were not found are left empty.
type ScanFiles struct {
	Key       ScanKey
	Bold      string
	BrainMask string
	CSFMask   string
	Confounds string
	FD        string
}

// Path returns the located path of artifact a.
func (f ScanFiles) Path(a Artifact) string {
	switch a {
	case ArtifactBold:
		return f.Bold
	case ArtifactBrainMask:
		return f.BrainMask
	case ArtifactCSFMask:
		return f.CSFMask
	case ArtifactConfounds:
		return f.Confounds
	case ArtifactFD:
		return f.FD
	}
	return ""
}
