package receipt

import (
	"strconv"
	"strings"
)

// Step is a position in the five-step workflow.
type Step int

const (
	StepIntro Step = iota
	StepUpload
	StepExtract
	StepSort
	StepAggregate
)

var stepNames = [...]string{"Intro", "Upload", "Extract", "Sort", "Aggregate"}

// String returns the display name of the step.
func (s Step) String() string {
	if !s.Valid() {
		return "Intro"
	}
	return stepNames[s]
}

// Valid reports whether s is one of the five workflow steps.
func (s Step) Valid() bool {
	return s >= StepIntro && s <= StepAggregate
}

// ParseStep accepts a step number ("0".."4") or name ("sort", "Sort").
// Anything malformed or out of range maps to StepIntro.
func ParseStep(raw string) Step {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		if s := Step(n); s.Valid() {
			return s
		}
		return StepIntro
	}
	for i, name := range stepNames {
		if strings.EqualFold(raw, name) {
			return Step(i)
		}
	}
	return StepIntro
}

// AllSteps returns the steps in workflow order.
func AllSteps() []Step {
	return []Step{StepIntro, StepUpload, StepExtract, StepSort, StepAggregate}
}
