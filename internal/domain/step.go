package domain

import (
	"fmt"
	"strings"
)

// StepDefaults fills parameters a caption leaves out.
type StepDefaults struct {
	BlurLevel         int
	Rotations         int
	SegmentThreshold  int
	SaltProbability   float64
	PepperProbability float64
	Format            string
	Quality           int
}

// Step is one engine operation with every parameter resolved.
type Step struct {
	Filter            Filter  `json:"filter"`
	BlurLevel         int     `json:"blur_level,omitempty"`
	Rotations         int     `json:"rotations,omitempty"`
	Threshold         int     `json:"threshold,omitempty"`
	SaltProbability   float64 `json:"salt_probability,omitempty"`
	PepperProbability float64 `json:"pepper_probability,omitempty"`
	Direction         string  `json:"direction,omitempty"`
	Format            string  `json:"format,omitempty"`
	Quality           int     `json:"quality,omitempty"`
}

// NewStep resolves a parsed caption against defaults.
func NewStep(cmd Command, d StepDefaults) Step {
	step := Step{
		Filter:  cmd.Filter,
		Format:  d.Format,
		Quality: d.Quality,
	}

	switch cmd.Filter {
	case FilterBlur:
		step.BlurLevel = cmd.IntValue(d.BlurLevel)
	case FilterRotate:
		step.Rotations = cmd.IntValue(d.Rotations)
	case FilterSegment:
		step.Threshold = cmd.IntValue(d.SegmentThreshold)
	case FilterSaltAndPepper:
		step.SaltProbability = cmd.FloatValue(d.SaltProbability)
		step.PepperProbability = cmd.FloatValue(d.PepperProbability)
	case FilterConcat:
		step.Direction = cmd.Direction
		if step.Direction == "" {
			step.Direction = "horizontal"
		}
	}
	return step
}

// Inputs is the number of source images the step consumes.
func (s Step) Inputs() int {
	if s.Filter == FilterConcat {
		return 2
	}
	return 1
}

func (s Step) Validate() error {
	if !s.Filter.Engine() {
		return fmt.Errorf("%w: %q does not run on the image engine", ErrInvalidCaption, s.Filter)
	}
	if _, ok := filtersByName[string(s.Filter)]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCaption, s.Filter)
	}
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "jpeg", "jpg", "png":
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", s.Format)
	}
}
