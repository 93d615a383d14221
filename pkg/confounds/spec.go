package confounds

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the confound request variants.
type Kind int

const (
	// Literal names a single table column.
	Literal Kind = iota
	// MotionSix is mot_6: the six rigid-body parameters in fixed order.
	MotionSix
	// MotionTwentyFour is mot_24: every column containing "rot" or "mov".
	MotionTwentyFour
	// AComp is aCompCor: every column containing "aCompCor".
	AComp
	// MeanFD is mean_FD: the Mean column of the framewise displacement table.
	MeanFD
)

// MotionColumns are the rigid-body parameter columns in the order used by
// mot_6 and by the ICA-AROMA motion file.
var MotionColumns = []string{"mov1", "mov2", "mov3", "rot1", "rot2", "rot3"}

// FDMeanColumn is the column of the FD table holding the brain-averaged displacement.
const FDMeanColumn = "Mean"

// Spec is one resolved confound request.
type Spec struct {
	Kind Kind
	// Name is the requested column for Literal specs.
	Name string
}

func (s Spec) String() string {
	switch s.Kind {
	case MotionSix:
		return "mot_6"
	case MotionTwentyFour:
		return "mot_24"
	case AComp:
		return "aCompCor"
	case MeanFD:
		return "mean_FD"
	default:
		return s.Name
	}
}

// ParseSpec maps a user-facing confound name to its variant.
func ParseSpec(name string) (Spec, error) {
	name = strings.TrimSpace(name)
	switch name {
	case "":
		return Spec{}, errors.New("empty confound name")
	case "mot_6":
		return Spec{Kind: MotionSix}, nil
	case "mot_24":
		return Spec{Kind: MotionTwentyFour}, nil
	case "aCompCor":
		return Spec{Kind: AComp}, nil
	case "mean_FD":
		return Spec{Kind: MeanFD}, nil
	default:
		return Spec{Kind: Literal, Name: name}, nil
	}
}

// ParseSpecs parses every name. When table is not nil, Literal names are
// checked against its header so unknown names fail before any image is read.
func ParseSpecs(names []string, table *Table) ([]Spec, error) {
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		spec, err := ParseSpec(name)
		if err != nil {
			return nil, err
		}
		if spec.Kind == Literal && table != nil && !table.Has(spec.Name) {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, spec.Name)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
