package flow

import (
	"strings"

	"github.com/originx/one-engine/internal/models"
)

// moodKeywords maps mood labels to trigger words.
var moodKeywords = map[string][]string{
	"happy":    {"happy", "great", "awesome", "wonderful", "amazing", "love", "glad", "excited"},
	"sad":      {"sad", "down", "lonely", "miss", "cry", "unhappy", "depressed"},
	"stressed": {"stressed", "anxious", "overwhelmed", "worried", "pressure", "deadline", "nervous"},
	"tired":    {"tired", "exhausted", "sleepy", "drained", "worn out"},
	"calm":     {"calm", "relaxed", "peaceful", "chill", "content"},
	"curious":  {"curious", "wonder", "interesting", "how does", "why does", "what if"},
}

// moodOrder fixes precedence when a message matches several moods.
// Stronger signals are checked first.
var moodOrder = []string{"stressed", "sad", "tired", "happy", "curious", "calm"}

var highEnergyWords = []string{"excited", "pumped", "energized", "let's go", "can't wait"}
var lowEnergyWords = []string{"tired", "exhausted", "sleepy", "drained", "meh", "whatever"}

var creativeWords = []string{"imagine", "create", "draw", "paint", "write", "story", "design", "invent", "dream"}

// AnalyzeSentiment derives a coarse emotional read from one message using
// keyword matching. It is intentionally naive; the result only biases
// scenario selection and is never user-visible. Mood stays empty when
// nothing matched.
func AnalyzeSentiment(text string) models.EmotionalState {
	lower := strings.ToLower(text)

	state := models.EmotionalState{Energy: "medium", Creativity: "medium"}

	for _, mood := range moodOrder {
		if containsAny(lower, moodKeywords[mood]) {
			state.Mood = mood
			break
		}
	}

	if containsAny(lower, highEnergyWords) {
		state.Energy = "high"
	} else if containsAny(lower, lowEnergyWords) {
		state.Energy = "low"
	}

	if containsAny(lower, creativeWords) {
		state.Creativity = "high"
	}

	return state
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
