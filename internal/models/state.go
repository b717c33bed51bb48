// Package models defines the onboarding step sequence for the One engine.
package models

// Step is a stage in the scripted onboarding sequence.
type Step string

// Onboarding step constants. The sequence only moves forward:
// landing -> naming-one -> naming-user -> scenario. Scenario is the looping
// steady state for all post-onboarding turns, not a terminal dead end.
const (
	StepLanding    Step = "landing"
	StepNamingOne  Step = "naming-one"
	StepNamingUser Step = "naming-user"
	StepScenario   Step = "scenario"
)

var stepRank = map[Step]int{
	StepLanding:    0,
	StepNamingOne:  1,
	StepNamingUser: 2,
	StepScenario:   3,
}

// IsValidStep checks if the given step is part of the onboarding sequence.
func IsValidStep(s Step) bool {
	_, ok := stepRank[s]
	return ok
}

// StepRank returns the position of a step in the onboarding sequence.
// Unknown steps rank below landing so they can never win a resolution.
func StepRank(s Step) int {
	if r, ok := stepRank[s]; ok {
		return r
	}
	return -1
}

// StepAdvances reports whether moving from one step to another is a legal
// forward transition. Staying at scenario is allowed; regressions are not.
func StepAdvances(from, to Step) bool {
	fr, tr := StepRank(from), StepRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	if from == StepScenario && to == StepScenario {
		return true
	}
	return tr > fr
}

// NextStep returns the step that follows s in the onboarding sequence.
// Scenario is its own successor.
func NextStep(s Step) Step {
	switch s {
	case StepLanding:
		return StepNamingOne
	case StepNamingOne:
		return StepNamingUser
	case StepNamingUser, StepScenario:
		return StepScenario
	default:
		return StepScenario
	}
}
