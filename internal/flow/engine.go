package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"golang.org/x/sync/singleflight"

	"github.com/originx/one-engine/internal/genai"
	"github.com/originx/one-engine/internal/models"
	"github.com/originx/one-engine/internal/store"
	"github.com/originx/one-engine/internal/util"
)

// FallbackMessage is returned whenever a turn cannot be completed. The
// conversation always continues; internal errors are never user-visible.
const FallbackMessage = "I'm having a little trouble gathering my thoughts right now. Tell me more?"

// DefaultMaxCapabilityCost caps the USD cost of a capability triggered
// implicitly by keyword intent.
const DefaultMaxCapabilityCost = 0.10

// imageIntentWords and videoIntentWords trigger rich-content generation
// when they appear in the model's reply.
var imageIntentWords = []string{"draw", "picture", "image", "paint", "sketch", "illustrate"}
var videoIntentWords = []string{"video", "animate", "animation", "clip"}

// CapabilityInvoker is the slice of the invocation layer the engine needs.
type CapabilityInvoker interface {
	InvokeBest(ctx context.Context, capabilityName, input string, opts models.InvokeOptions) *models.InvocationResult
}

// Dependencies wires the engine's collaborators.
type Dependencies struct {
	Store      store.ContextStore
	AI         genai.ClientInterface // nil degrades every AI call to fallbacks
	Invoker    CapabilityInvoker     // nil disables rich-content generation
	Selector   *Selector
	Onboarding *Onboarding
}

// Engine is the single entry point turning raw user input into one
// EngineResponse. It is the only writer of user contexts.
type Engine struct {
	deps     Dependencies
	locks    *UserLocks
	greeting singleflight.Group
	maxCost  float64
	quality  models.QualityLevel
	nowFn    func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxCapabilityCost overrides the implicit-invocation cost ceiling.
func WithMaxCapabilityCost(usd float64) EngineOption {
	return func(e *Engine) { e.maxCost = usd }
}

// WithQuality sets the quality policy for implicit invocations.
func WithQuality(q models.QualityLevel) EngineOption {
	return func(e *Engine) { e.quality = q }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.nowFn = now }
}

// NewEngine creates a conversation engine.
func NewEngine(deps Dependencies, opts ...EngineOption) *Engine {
	e := &Engine{
		deps:    deps,
		locks:   NewUserLocks(),
		maxCost: DefaultMaxCapabilityCost,
		quality: models.QualityBalanced,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.deps.Selector == nil {
		e.deps.Selector = NewSelector()
	}
	if e.deps.Onboarding == nil {
		e.deps.Onboarding = NewOnboarding(NewNameExtractor(deps.AI), e.deps.Selector)
	}
	return e
}

// fallbackResponse builds the degraded reply for a turn that failed
// internally.
func fallbackResponse(step models.Step) *models.EngineResponse {
	return &models.EngineResponse{
		Message:   FallbackMessage,
		NextStep:  step,
		RequestID: util.GenerateRequestID(),
	}
}

// HandleTurn processes one user turn. The error return covers request
// validation only; internal failures yield a degraded but valid response.
func (e *Engine) HandleTurn(ctx context.Context, req models.TurnRequest) (*models.EngineResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(req.UserID)
	defer unlock()

	uc, err := e.deps.Store.GetOrCreate(ctx, req.UserID)
	if err != nil {
		slog.Error("Engine.HandleTurn: context unavailable", "userID", req.UserID, "error", err)
		return fallbackResponse(models.StepScenario), nil
	}

	// The store's step is authoritative. A divergent client learns the
	// real step from the response and resynchronizes.
	if req.ClientStep != "" && req.ClientStep != uc.CurrentStep {
		slog.Info("Engine.HandleTurn: client step out of sync", "userID", req.UserID,
			"clientStep", req.ClientStep, "storeStep", uc.CurrentStep)
	}

	if state := AnalyzeSentiment(req.Text); state.Mood != "" {
		uc.EmotionalState = state
	}

	resp := &models.EngineResponse{
		RequestID: util.GenerateRequestID(),
		Speak:     req.VoiceMode,
	}

	if InOnboarding(uc.CurrentStep) {
		msg, scenario := e.deps.Onboarding.Handle(ctx, uc, req.Text)
		resp.Message = msg
		resp.Scenario = scenario
	} else {
		e.generalTurn(ctx, uc, req.Text, resp)
	}

	now := e.nowFn()
	uc.AppendInteraction("user", req.Text, now)
	uc.AppendInteraction("assistant", resp.Message, now)
	uc.UpdatedAt = now

	if err := e.deps.Store.Save(ctx, *uc); err != nil {
		// The reply is already composed; losing one context write is
		// preferable to losing the turn.
		slog.Error("Engine.HandleTurn: context save failed", "userID", req.UserID, "error", err)
	}

	resp.NextStep = uc.CurrentStep
	return resp, nil
}

// generalTurn handles a post-onboarding turn: language-model reply plus
// optional keyword-triggered rich content.
func (e *Engine) generalTurn(ctx context.Context, uc *models.UserContext, text string, resp *models.EngineResponse) {
	if e.deps.AI == nil {
		resp.Message = FallbackMessage
		return
	}

	thinking, err := e.deps.AI.GenerateThinkingWithMessages(ctx, e.buildMessages(uc, text))
	if err != nil {
		slog.Error("Engine.generalTurn: language model failed", "userID", uc.UserID, "error", err)
		resp.Message = FallbackMessage
		return
	}
	resp.Message = thinking.Content
	resp.ThinkingProcess = thinking.Thinking

	// Rich-content intent is read off the reply: when the model says it
	// will draw or animate something, the matching capability fires. The
	// user's text becomes the generation prompt.
	lower := strings.ToLower(resp.Message)
	switch {
	case containsAny(lower, imageIntentWords):
		e.attachMedia(ctx, uc, text, models.CapImageGeneration, models.MediaImage, resp)
	case containsAny(lower, videoIntentWords):
		e.attachMedia(ctx, uc, text, models.CapVideoGeneration, models.MediaVideo, resp)
	}
}

// attachMedia invokes a generation capability under the cost ceiling and
// attaches the result. Failures degrade to the text-only reply.
func (e *Engine) attachMedia(ctx context.Context, uc *models.UserContext, prompt string, capabilityName string, kind models.MediaKind, resp *models.EngineResponse) {
	if e.deps.Invoker == nil {
		return
	}
	result := e.deps.Invoker.InvokeBest(ctx, capabilityName, prompt, models.InvokeOptions{
		UserID:  uc.UserID,
		MaxCost: e.maxCost,
		Quality: e.quality,
	})
	if !result.Success {
		slog.Warn("Engine.attachMedia: capability failed, text-only response",
			"userID", uc.UserID, "capability", capabilityName, "error", result.Error)
		return
	}
	resp.CapabilityResponse = &models.CapabilityResponse{
		Kind:      kind,
		Reference: result.Result,
		Cost:      result.Cost,
	}
}

// buildMessages assembles the persona system prompt plus bounded history.
func (e *Engine) buildMessages(uc *models.UserContext, text string) []openai.ChatCompletionMessageParamUnion {
	persona := uc.OneName
	if persona == "" {
		persona = DefaultPersonaName
	}
	userName := uc.Name
	if userName == "" {
		userName = DefaultUserName
	}

	system := fmt.Sprintf(
		"You are %s, a warm personal companion talking with %s. It is %s. Keep replies short, natural, and conversational. Never mention being an AI system.",
		persona, userName, uc.TimeContext.TimeOfDay,
	)
	if uc.EmotionalState.Mood != "" {
		system += fmt.Sprintf(" %s seems %s right now; respond with care.", userName, uc.EmotionalState.Mood)
	}

	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}
	for _, in := range uc.RecentInteractions {
		if in.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(in.Content))
		} else {
			messages = append(messages, openai.UserMessage(in.Content))
		}
	}
	return append(messages, openai.UserMessage(text))
}

// Greet produces the initial greeting for a user. Concurrent calls for the
// same user share one execution, so double-fired greetings on app start
// collapse into a single context mutation and reply.
func (e *Engine) Greet(ctx context.Context, userID string) (*models.EngineResponse, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}

	v, err, shared := e.greeting.Do(userID, func() (any, error) {
		unlock := e.locks.Lock(userID)
		defer unlock()

		uc, err := e.deps.Store.GetOrCreate(ctx, userID)
		if err != nil {
			return nil, err
		}

		resp := &models.EngineResponse{
			RequestID: util.GenerateRequestID(),
		}
		if uc.CurrentStep == models.StepLanding {
			uc.CurrentStep = models.StepNamingOne
		}
		if uc.CurrentStep == models.StepNamingOne {
			resp.Message = e.greetingText(ctx, uc)
		} else {
			// Returning user: welcome back without restarting onboarding.
			resp.Message = fmt.Sprintf("Welcome back, %s! What's on your mind?", displayName(uc))
		}
		resp.NextStep = uc.CurrentStep

		uc.UpdatedAt = e.nowFn()
		if err := e.deps.Store.Save(ctx, *uc); err != nil {
			slog.Error("Engine.Greet: context save failed", "userID", userID, "error", err)
		}
		return resp, nil
	})
	if err != nil {
		slog.Error("Engine.Greet: greeting failed", "userID", userID, "error", err)
		return fallbackResponse(models.StepNamingOne), nil
	}
	if shared {
		slog.Debug("Engine.Greet: deduplicated concurrent greeting", "userID", userID)
	}
	e.greeting.Forget(userID)
	return v.(*models.EngineResponse), nil
}

// greetingText asks the model for a first greeting, falling back to the
// scripted opener.
func (e *Engine) greetingText(ctx context.Context, uc *models.UserContext) string {
	opener := fmt.Sprintf("Hi! I'm your companion. It's a lovely %s to meet. %s",
		uc.TimeContext.TimeOfDay, onboardingScenarios[models.StepNamingOne].Prompt)
	if e.deps.AI == nil {
		return opener
	}

	msg, err := e.deps.AI.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage("You are a brand-new personal companion meeting someone for the first time. Greet them warmly in one or two sentences, then ask what they would like to name you."),
		openai.UserMessage(fmt.Sprintf("It is %s on a %s.", uc.TimeContext.TimeOfDay, uc.TimeContext.DayOfWeek)),
	})
	if err != nil || strings.TrimSpace(msg) == "" {
		slog.Warn("Engine.greetingText: generation failed, using scripted opener", "userID", uc.UserID, "error", err)
		return opener
	}
	return msg
}

// ProposeScenario returns the scenario the selector would offer the user
// right now. Dynamic generation is attempted when requested and degrades to
// static selection.
func (e *Engine) ProposeScenario(ctx context.Context, userID string, dynamic bool, capabilities []string) (*models.Scenario, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}

	uc, err := e.deps.Store.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	var sc models.Scenario
	if dynamic && !InOnboarding(uc.CurrentStep) {
		sc = e.deps.Selector.GenerateDynamic(ctx, uc, capabilities)
	} else {
		sc = e.deps.Selector.Propose(uc)
	}
	if sc.ID == "" {
		return nil, models.ErrNoScenarioAvailable
	}
	return &sc, nil
}

func displayName(uc *models.UserContext) string {
	if uc.Name != "" {
		return uc.Name
	}
	return "friend"
}
