package flow

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/originx/one-engine/internal/genai"
)

const (
	// DefaultPersonaName is used when no persona name can be extracted.
	DefaultPersonaName = "One"
	// DefaultUserName is used when no user name can be extracted.
	DefaultUserName = "User"
)

// nameStoplist holds common words that must never be mistaken for names
// when the whole message is a single token.
var nameStoplist = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yes": true, "no": true,
	"ok": true, "okay": true, "sure": true, "thanks": true, "please": true,
	"maybe": true, "what": true, "why": true, "how": true, "who": true,
	"you": true, "me": true, "yeah": true, "nope": true, "um": true,
	"hmm": true, "idk": true, "dunno": true, "nothing": true, "anything": true,
}

// namePatterns capture explicit naming phrases, persona and human alike.
var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcall (?:you|yourself|me)\s+([A-Za-z]+)`),
	regexp.MustCompile(`(?i)\bmy name is\s+([A-Za-z]+)`),
	regexp.MustCompile(`(?i)\byour name is\s+([A-Za-z]+)`),
	regexp.MustCompile(`(?i)\bname (?:you|him|her|it)\s+([A-Za-z]+)`),
	regexp.MustCompile(`(?i)\bi(?:'| a)m\s+([A-Za-z]+)`),
	regexp.MustCompile(`(?i)\bhow about\s+([A-Za-z]+)`),
}

// NameExtractor resolves names from free text, preferring the language
// model and degrading through pattern and token heuristics to a default.
type NameExtractor struct {
	ai genai.ClientInterface // nil disables the AI-assisted pass
}

// NewNameExtractor builds an extractor. ai may be nil.
func NewNameExtractor(ai genai.ClientInterface) *NameExtractor {
	return &NameExtractor{ai: ai}
}

// ExtractPersonaName resolves the AI persona's name from the user's message.
func (e *NameExtractor) ExtractPersonaName(ctx context.Context, text string) string {
	return e.extract(ctx, text, "assistant persona", DefaultPersonaName)
}

// ExtractUserName resolves the human's name from their message.
func (e *NameExtractor) ExtractUserName(ctx context.Context, text string) string {
	return e.extract(ctx, text, "user", DefaultUserName)
}

func (e *NameExtractor) extract(ctx context.Context, text, role, fallback string) string {
	if e.ai != nil {
		name, err := e.ai.ExtractName(ctx, text, role)
		if err != nil {
			slog.Debug("NameExtractor.extract: AI extraction unavailable", "role", role, "error", err)
		} else if valid := sanitizeName(name); valid != "" {
			return valid
		}
	}

	if name := extractByPattern(text); name != "" {
		return name
	}
	if name := extractSingleToken(text); name != "" {
		return name
	}

	slog.Debug("NameExtractor.extract: falling back to default", "role", role)
	return fallback
}

// extractByPattern scans for explicit naming phrases.
func extractByPattern(text string) string {
	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if name := sanitizeName(m[1]); name != "" {
				return name
			}
		}
	}
	return ""
}

// extractSingleToken treats a lone alphabetic word as the name unless it is
// a common word.
func extractSingleToken(text string) string {
	token := strings.TrimFunc(strings.TrimSpace(text), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	if token == "" || strings.ContainsFunc(token, unicode.IsSpace) {
		return ""
	}
	return sanitizeName(token)
}

// sanitizeName validates and capitalizes a candidate name. Returns "" for
// anything that is not a plausible single name.
func sanitizeName(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || len(candidate) > 64 {
		return ""
	}
	for _, r := range candidate {
		if !unicode.IsLetter(r) {
			return ""
		}
	}
	if nameStoplist[strings.ToLower(candidate)] {
		return ""
	}
	runes := []rune(strings.ToLower(candidate))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
