package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/originx/one-engine/internal/genai"
	"github.com/originx/one-engine/internal/models"
)

// TagUniversal marks scenarios that match any context.
const TagUniversal = "universal"

// onboardingScenarios are the scripted prompts keyed by step.
var onboardingScenarios = map[models.Step]models.Scenario{
	models.StepNamingOne: {
		ID:     "onboarding-naming-one",
		Type:   models.ScenarioOnboarding,
		Title:  "Name Your Companion",
		Prompt: "Before we begin, I need a name. What would you like to call me?",
		Tags:   []string{TagUniversal},
	},
	models.StepNamingUser: {
		ID:     "onboarding-naming-user",
		Type:   models.ScenarioOnboarding,
		Title:  "Introduce Yourself",
		Prompt: "And what should I call you?",
		Tags:   []string{TagUniversal},
	},
}

// DefaultCatalog is the built-in static scenario catalog. The first entry
// doubles as the fallback when filtering leaves nothing.
func DefaultCatalog() []models.Scenario {
	return []models.Scenario{
		{
			ID:          "daily-checkin",
			Type:        models.ScenarioReflection,
			Title:       "Daily Check-In",
			Description: "A gentle open-ended check-in.",
			Prompt:      "How has your day been so far? I'd love to hear about it.",
			Difficulty:  "easy",
			Tags:        []string{TagUniversal},
		},
		{
			ID:          "morning-intent",
			Type:        models.ScenarioReflection,
			Title:       "Morning Intention",
			Description: "Set a small intention for the day.",
			Prompt:      "It's a fresh morning. What is one thing you'd like today to be about?",
			Difficulty:  "easy",
			Tags:        []string{"morning"},
		},
		{
			ID:          "evening-unwind",
			Type:        models.ScenarioMoodBased,
			Title:       "Evening Unwind",
			Description: "Wind down and reflect.",
			Prompt:      "The day is winding down. What moment from today would you keep if you could?",
			Difficulty:  "easy",
			Tags:        []string{"evening", "calm"},
		},
		{
			ID:          "night-thoughts",
			Type:        models.ScenarioMoodBased,
			Title:       "Night Thoughts",
			Description: "Quiet late-night conversation.",
			Prompt:      "It's late. Anything on your mind you'd like to talk through before sleep?",
			Difficulty:  "easy",
			Tags:        []string{"night", "calm"},
		},
		{
			ID:          "stress-release",
			Type:        models.ScenarioMoodBased,
			Title:       "Pressure Valve",
			Description: "Talk through what's weighing on you.",
			Prompt:      "Sounds like a lot is going on. Want to unpack the heaviest thing first?",
			Difficulty:  "medium",
			Tags:        []string{"stressed", "sad"},
		},
		{
			ID:          "creative-spark",
			Type:        models.ScenarioCreativePrompt,
			Title:       "Creative Spark",
			Description: "A short imaginative exercise.",
			Prompt:      "Let's make something. Describe a place that only exists in your imagination.",
			Difficulty:  "medium",
			Tags:        []string{TagUniversal, "happy", "curious"},
		},
		{
			ID:          "picture-this",
			Type:        models.ScenarioImageGeneration,
			Title:       "Picture This",
			Description: "Turn an idea into an image.",
			Prompt:      "Describe a scene you'd love to see, and I'll paint it for you.",
			Difficulty:  "medium",
			Tags:        []string{"happy", "curious", "afternoon"},
		},
	}
}

// Selector chooses scenarios from the static catalog and, optionally,
// generates dynamic ones. Construct once and inject into consumers.
type Selector struct {
	mu      sync.Mutex
	catalog []models.Scenario
	rng     *rand.Rand
	ai      genai.ClientInterface // nil disables dynamic generation
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithCatalog replaces the built-in catalog.
func WithCatalog(catalog []models.Scenario) SelectorOption {
	return func(s *Selector) { s.catalog = catalog }
}

// WithRand injects a seeded source for deterministic tests.
func WithRand(rng *rand.Rand) SelectorOption {
	return func(s *Selector) { s.rng = rng }
}

// WithAI enables language-model scenario generation.
func WithAI(ai genai.ClientInterface) SelectorOption {
	return func(s *Selector) { s.ai = ai }
}

// NewSelector builds a scenario selector over the default catalog.
func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{catalog: DefaultCatalog()}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return s
}

// Propose picks the scenario for the context's current position: scripted
// onboarding prompts while onboarding, filtered catalog selection afterward.
func (s *Selector) Propose(uc *models.UserContext) models.Scenario {
	if sc, ok := onboardingScenarios[uc.CurrentStep]; ok {
		return sc
	}
	return s.SelectGeneral(uc)
}

// SelectGeneral filters the catalog by tag intersection with the context's
// time of day, mood, and the universal tag, then picks uniformly at random.
// An empty filter result falls back to the first catalog entry; an empty
// catalog yields the zero scenario.
func (s *Selector) SelectGeneral(uc *models.UserContext) models.Scenario {
	if len(s.catalog) == 0 {
		slog.Warn("Selector.SelectGeneral: catalog is empty", "userID", uc.UserID)
		return models.Scenario{}
	}
	wanted := map[string]bool{
		string(uc.TimeContext.TimeOfDay): true,
		TagUniversal:                     true,
	}
	if uc.EmotionalState.Mood != "" {
		wanted[uc.EmotionalState.Mood] = true
	}

	var matches []models.Scenario
	for _, sc := range s.catalog {
		for _, tag := range sc.Tags {
			if wanted[tag] {
				matches = append(matches, sc)
				break
			}
		}
	}

	if len(matches) == 0 {
		slog.Debug("Selector.SelectGeneral: no tag matches, using first catalog entry", "userID", uc.UserID)
		return s.catalog[0]
	}

	s.mu.Lock()
	idx := s.rng.Intn(len(matches))
	s.mu.Unlock()
	return matches[idx]
}

// ScoreRelevance ranks a scenario against a context. Pure function; higher
// is a better fit.
func ScoreRelevance(sc models.Scenario, uc *models.UserContext) int {
	score := 0
	if sc.HasTag(string(uc.TimeContext.TimeOfDay)) {
		score += 2
	}
	if sc.HasTag(TagUniversal) {
		score++
	}
	if uc.EmotionalState.Mood != "" && sc.HasTag(uc.EmotionalState.Mood) {
		score += 3
	}
	for _, preferred := range uc.Preferences.ScenarioTypes {
		if sc.Type == preferred {
			score += 2
			break
		}
	}
	if creativityAligned(sc.Difficulty, uc.Preferences.CreativityLevel) {
		score += 2
	}
	if uc.Preferences.CommunicationStyle != "" && sc.HasTag(string(uc.Preferences.CommunicationStyle)) {
		score += 2
	}
	return score
}

// creativityAligned maps the creativity preference onto scenario difficulty.
func creativityAligned(difficulty string, level models.CreativityLevel) bool {
	switch level {
	case models.CreativityLow:
		return difficulty == "easy"
	case models.CreativityMedium:
		return difficulty == "medium"
	case models.CreativityHigh:
		return difficulty == "medium" || difficulty == "hard"
	default:
		return false
	}
}

// GenerateDynamic asks the language model for a scenario tailored to the
// context and the available capability strings. Any failure falls back to
// static selection; generation never produces a user-visible error.
func (s *Selector) GenerateDynamic(ctx context.Context, uc *models.UserContext, capabilities []string) models.Scenario {
	if s.ai == nil {
		return s.SelectGeneral(uc)
	}

	instruction := fmt.Sprintf(
		"Time of day: %s. Mood: %s. Available capabilities: %v. Design a short scenario that fits.",
		uc.TimeContext.TimeOfDay, orUnknown(uc.EmotionalState.Mood), capabilities,
	)
	draft, err := s.ai.GenerateScenario(ctx, instruction)
	if err != nil {
		slog.Warn("Selector.GenerateDynamic: generation failed, falling back to catalog", "userID", uc.UserID, "error", err)
		return s.SelectGeneral(uc)
	}

	return models.Scenario{
		ID:          "dynamic-" + uc.SessionID,
		Type:        models.ScenarioCreativePrompt,
		Title:       draft.Title,
		Description: draft.Description,
		Prompt:      draft.Prompt,
		Tags:        draft.Tags,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
