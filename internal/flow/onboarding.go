package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/originx/one-engine/internal/models"
)

// Onboarding drives the scripted first-contact sequence. It mutates the
// context in place; the engine persists it under the per-user lock.
type Onboarding struct {
	names    *NameExtractor
	selector *Selector
}

// NewOnboarding wires the name extractor and scenario selector.
func NewOnboarding(names *NameExtractor, selector *Selector) *Onboarding {
	return &Onboarding{names: names, selector: selector}
}

// InOnboarding reports whether the step still belongs to the scripted
// sequence.
func InOnboarding(step models.Step) bool {
	return step == models.StepLanding || step == models.StepNamingOne || step == models.StepNamingUser
}

// Handle advances the onboarding machine by one user input. It returns the
// reply text and, when the sequence completes, the first proposed scenario.
func (o *Onboarding) Handle(ctx context.Context, uc *models.UserContext, text string) (string, *models.Scenario) {
	switch uc.CurrentStep {
	case models.StepLanding:
		uc.CurrentStep = models.StepNamingOne
		return onboardingScenarios[models.StepNamingOne].Prompt, nil

	case models.StepNamingOne:
		name := o.names.ExtractPersonaName(ctx, text)
		uc.OneName = name
		uc.CurrentStep = models.StepNamingUser
		slog.Info("Onboarding.Handle: persona named", "userID", uc.UserID, "oneName", name)
		return fmt.Sprintf("%s. I like it! And what should I call you?", name), nil

	case models.StepNamingUser:
		name := o.names.ExtractUserName(ctx, text)
		uc.Name = name
		uc.CurrentStep = models.StepScenario
		slog.Info("Onboarding.Handle: user named", "userID", uc.UserID, "name", name)

		scenario := o.selector.Propose(uc)
		msg := fmt.Sprintf("Nice to meet you, %s! %s", name, scenario.Prompt)
		return msg, &scenario

	default:
		// Not an onboarding step; callers route these to the general path.
		slog.Warn("Onboarding.Handle: called outside onboarding", "userID", uc.UserID, "step", uc.CurrentStep)
		return "", nil
	}
}
