// Package models defines the core data structures for the One conversation engine.
//
// It includes the per-user conversation context, scenario and capability
// descriptors, and the engine response envelope shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxTurnTextLength defines the maximum allowed length for a single user turn
	MaxTurnTextLength = 4096
	// MaxNameLength defines the maximum allowed length for extracted names
	MaxNameLength = 64
	// MaxRecentInteractions bounds the per-context interaction ring. Older
	// entries are discarded once the limit is reached.
	MaxRecentInteractions = 50
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID           = errors.New("user id cannot be empty")
	ErrEmptyTurnText         = errors.New("turn text cannot be empty")
	ErrTurnTextTooLong       = errors.New("turn text exceeds maximum length")
	ErrInvalidStep           = errors.New("invalid onboarding step")
	ErrStepRegression        = errors.New("onboarding step cannot move backwards")
	ErrContextNotFound       = errors.New("user context not found")
	ErrCapabilityNotFound    = errors.New("capability not found")
	ErrCapabilityInactive    = errors.New("capability is not active")
	ErrCostExceeded          = errors.New("estimated cost exceeds the configured ceiling")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrDuplicateCapability   = errors.New("capability id already registered")
	ErrVendorUnavailable     = errors.New("vendor call failed")
	ErrNoScenarioAvailable   = errors.New("no scenario available")
	ErrVoicePermissionDenied = errors.New("microphone permission denied")
)

// TimeOfDay buckets wall-clock hours for scenario flavor selection.
type TimeOfDay string

const (
	TimeMorning   TimeOfDay = "morning"
	TimeAfternoon TimeOfDay = "afternoon"
	TimeEvening   TimeOfDay = "evening"
	TimeNight     TimeOfDay = "night"
)

// TimeOfDayFor maps an hour-of-day to its bucket.
func TimeOfDayFor(t time.Time) TimeOfDay {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return TimeMorning
	case h >= 12 && h < 17:
		return TimeAfternoon
	case h >= 17 && h < 22:
		return TimeEvening
	default:
		return TimeNight
	}
}

// TimeContext captures when a context was created. It is computed once at
// context creation and never re-derived automatically.
type TimeContext struct {
	TimeOfDay TimeOfDay `json:"time_of_day"`
	DayOfWeek string    `json:"day_of_week"`
	Timezone  string    `json:"timezone"`
}

// EmotionalState holds the naive keyword-derived sentiment of recent input.
type EmotionalState struct {
	Mood       string `json:"mood,omitempty"`       // e.g. "happy", "stressed", "curious"
	Energy     string `json:"energy,omitempty"`     // "low", "medium", "high"
	Creativity string `json:"creativity,omitempty"` // "low", "medium", "high"
}

// CommunicationStyle is a soft filter applied during scenario selection.
type CommunicationStyle string

const (
	StyleCasual     CommunicationStyle = "casual"
	StyleFormal     CommunicationStyle = "formal"
	StylePlayful    CommunicationStyle = "playful"
	StyleSupportive CommunicationStyle = "supportive"
)

// CreativityLevel is a soft filter applied during scenario selection.
type CreativityLevel string

const (
	CreativityLow    CreativityLevel = "low"
	CreativityMedium CreativityLevel = "medium"
	CreativityHigh   CreativityLevel = "high"
)

// Preferences are soft filters for scenario selection.
type Preferences struct {
	CommunicationStyle CommunicationStyle `json:"communication_style,omitempty"`
	CreativityLevel    CreativityLevel    `json:"creativity_level,omitempty"`
	ScenarioTypes      []ScenarioType     `json:"scenario_types,omitempty"`
}

// Interaction records a single turn (user input or engine reply).
type Interaction struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UserContext is the per-user/session conversation state. One exists per
// userID for the lifetime of the store that holds it.
type UserContext struct {
	UserID             string         `json:"user_id"`
	SessionID          string         `json:"session_id"`
	Name               string         `json:"name,omitempty"`     // the human's chosen display name
	OneName            string         `json:"one_name,omitempty"` // the name given to the AI persona
	CurrentStep        Step           `json:"current_step"`
	TimeContext        TimeContext    `json:"time_context"`
	EmotionalState     EmotionalState `json:"emotional_state,omitempty"`
	Preferences        Preferences    `json:"preferences,omitempty"`
	RecentInteractions []Interaction  `json:"recent_interactions,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// AppendInteraction records a turn, keeping the ring bounded.
func (c *UserContext) AppendInteraction(role, content string, at time.Time) {
	c.RecentInteractions = append(c.RecentInteractions, Interaction{Role: role, Content: content, Timestamp: at})
	if len(c.RecentInteractions) > MaxRecentInteractions {
		c.RecentInteractions = c.RecentInteractions[len(c.RecentInteractions)-MaxRecentInteractions:]
	}
}

// ContextUpdate is a partial update merged into an existing UserContext.
// Nil fields are left untouched; previously set fields are never dropped.
type ContextUpdate struct {
	Name           *string         `json:"name,omitempty"`
	OneName        *string         `json:"one_name,omitempty"`
	CurrentStep    *Step           `json:"current_step,omitempty"`
	EmotionalState *EmotionalState `json:"emotional_state,omitempty"`
	Preferences    *Preferences    `json:"preferences,omitempty"`
}

// ScenarioType categorizes conversational prompts.
type ScenarioType string

const (
	ScenarioOnboarding      ScenarioType = "onboarding"
	ScenarioCreativePrompt  ScenarioType = "creative_prompt"
	ScenarioMoodBased       ScenarioType = "mood_based"
	ScenarioImageGeneration ScenarioType = "image_generation"
	ScenarioReflection      ScenarioType = "reflection"
)

// Scenario is an immutable conversational prompt, either from the static
// catalog or generated by the language model.
type Scenario struct {
	ID            string       `json:"id"`
	Type          ScenarioType `json:"type"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Prompt        string       `json:"prompt"`
	Difficulty    string       `json:"difficulty,omitempty"`     // "easy", "medium", "hard"
	EstimatedTime string       `json:"estimated_time,omitempty"` // e.g. "5m"
	Tags          []string     `json:"tags,omitempty"`
}

// HasTag reports whether the scenario carries the given tag.
func (s Scenario) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// CapabilityType distinguishes how a capability is backed.
type CapabilityType string

const (
	CapabilityModel  CapabilityType = "model"
	CapabilityAgent  CapabilityType = "agent"
	CapabilityTool   CapabilityType = "tool"
	CapabilityEffect CapabilityType = "effect"
)

// CapabilityStatus is the registry-visible lifecycle state of a capability.
type CapabilityStatus string

const (
	CapabilityActive      CapabilityStatus = "active"
	CapabilityInactive    CapabilityStatus = "inactive"
	CapabilityMaintenance CapabilityStatus = "maintenance"
)

// Capability strings understood by the invocation layer.
const (
	CapTextGeneration  = "text_generation"
	CapImageGeneration = "image_generation"
	CapVideoGeneration = "video_generation"
	CapVoiceSynthesis  = "voice_synthesis"
)

// CapabilityMetadata carries the cost and quality figures used by the
// selection policy.
type CapabilityMetadata struct {
	CostPerUse   float64 `json:"cost_per_use"`
	AvgLatencyMs int64   `json:"avg_latency_ms"`
	QualityScore float64 `json:"quality_score"` // 0..1
}

// Capability describes one invocable generative function. Populated at
// process start by discovery; read-only afterward.
type Capability struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Type         CapabilityType     `json:"type"`
	Capabilities []string           `json:"capabilities"`
	Metadata     CapabilityMetadata `json:"metadata"`
	Status       CapabilityStatus   `json:"status"`
}

// Supports reports whether the capability declares the given capability string.
func (c Capability) Supports(name string) bool {
	for _, s := range c.Capabilities {
		if s == name {
			return true
		}
	}
	return false
}

// QualityLevel chooses among candidate capabilities with the same
// capability string.
type QualityLevel string

const (
	QualityFast     QualityLevel = "fast"     // lowest average latency
	QualityHigh     QualityLevel = "high"     // highest quality score
	QualityBalanced QualityLevel = "balanced" // best quality-to-cost ratio
)

// InvokeOptions tune a single capability invocation.
type InvokeOptions struct {
	UserID  string       `json:"user_id,omitempty"`
	MaxCost float64      `json:"max_cost,omitempty"` // 0 means no ceiling
	Quality QualityLevel `json:"quality,omitempty"`
}

// InvocationMetadata describes what one invocation actually did.
type InvocationMetadata struct {
	CapabilityName  string `json:"capability_name"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	CreditsUsed     int64  `json:"credits_used"`
	TokensUsed      int64  `json:"tokens_used,omitempty"`
}

// InvocationResult is the uniform outcome of a capability invocation.
// Failures are captured in Error; Invoke never panics or returns a Go error
// across the public boundary.
type InvocationResult struct {
	Success  bool               `json:"success"`
	Result   string             `json:"result,omitempty"` // vendor payload reference (URL, text, ...)
	Error    string             `json:"error,omitempty"`
	Cost     float64            `json:"cost"`
	Metadata InvocationMetadata `json:"metadata"`
}

// MediaKind tags rich content attached to a turn response.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// CapabilityResponse is the rich-content attachment on an EngineResponse.
type CapabilityResponse struct {
	Kind      MediaKind `json:"kind"`
	Reference string    `json:"reference"` // URL or opaque handle from the vendor
	Cost      float64   `json:"cost"`
}

// EngineResponse is the engine's reply to one user turn.
type EngineResponse struct {
	Message            string              `json:"message"`
	Scenario           *Scenario           `json:"scenario,omitempty"`
	NextStep           Step                `json:"next_step,omitempty"`
	CapabilityResponse *CapabilityResponse `json:"capability_response,omitempty"`
	RequestID          string              `json:"request_id"`
	ThinkingProcess    string              `json:"thinking_process,omitempty"`
	Speak              bool                `json:"speak,omitempty"` // whether the caller should voice this response
}

// TurnRequest is the payload for one user turn.
type TurnRequest struct {
	UserID     string `json:"user_id"`
	ClientStep Step   `json:"client_step,omitempty"` // the step the UI believes it is in
	Text       string `json:"text"`
	VoiceMode  bool   `json:"voice_mode,omitempty"`
}

// Validate performs validation on a TurnRequest.
func (r *TurnRequest) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if r.Text == "" {
		return ErrEmptyTurnText
	}
	if len(r.Text) > MaxTurnTextLength {
		return ErrTurnTextTooLong
	}
	if r.ClientStep != "" && !IsValidStep(r.ClientStep) {
		return ErrInvalidStep
	}
	return nil
}
