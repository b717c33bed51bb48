// Package genai provides GenAI-enhanced operations using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// ErrNoChoicesReturned indicates the vendor returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// chatService defines the minimal interface for chat completions, so tests
// can substitute a mock without a network round trip.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// imageService defines the minimal interface for image generation.
type imageService interface {
	Generate(ctx context.Context, params openai.ImageGenerateParams) (openai.ImagesResponse, error)
}

// ThinkingResponse carries a response along with the model's reasoning trace.
type ThinkingResponse struct {
	Thinking string `json:"thinking"`
	Content  string `json:"content"`
}

// ScenarioDraft is the structured output of scenario generation.
type ScenarioDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tags        []string `json:"tags"`
}

// ClientInterface is the surface the flow and capability layers consume.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateWithUsage(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, int64, error)
	GenerateThinkingWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (*ThinkingResponse, error)
	ExtractName(ctx context.Context, utterance, role string) (string, error)
	GenerateScenario(ctx context.Context, instruction string) (*ScenarioDraft, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Client wraps the OpenAI chat and image services.
type Client struct {
	chat                chatService
	images              imageService
	model               openai.ChatModel
	temperature         float64
	maxCompletionTokens int64
}

// Option configures the client.
type Option func(*opts)

type opts struct {
	apiKey              string
	model               openai.ChatModel
	temperature         float64
	maxCompletionTokens int64
	chat                chatService
	images              imageService
}

// WithAPIKey sets the OpenAI API key explicitly.
func WithAPIKey(key string) Option {
	return func(o *opts) { o.apiKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *opts) { o.model = openai.ChatModel(model) }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *opts) { o.temperature = t }
}

// WithMaxCompletionTokens caps the completion length.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *opts) { o.maxCompletionTokens = n }
}

// WithChatService substitutes the chat backend (used by tests).
func WithChatService(cs chatService) Option {
	return func(o *opts) { o.chat = cs }
}

// WithImageService substitutes the image backend (used by tests).
func WithImageService(is imageService) Option {
	return func(o *opts) { o.images = is }
}

// NewClient initializes a GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(options ...Option) (*Client, error) {
	o := opts{
		model:               DefaultModel,
		temperature:         0.7,
		maxCompletionTokens: 1024,
	}
	for _, opt := range options {
		opt(&o)
	}

	if o.chat == nil || o.images == nil {
		key := o.apiKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		cli := openai.NewClient(option.WithAPIKey(key))
		if o.chat == nil {
			o.chat = &openaiChatService{client: cli}
		}
		if o.images == nil {
			o.images = &openaiImageService{client: cli}
		}
	}

	slog.Debug("genai.NewClient: client created", "model", o.model, "temperature", o.temperature)
	return &Client{
		chat:                o.chat,
		images:              o.images,
		model:               o.model,
		temperature:         o.temperature,
		maxCompletionTokens: o.maxCompletionTokens,
	}, nil
}

// openaiChatService adapts the real OpenAI client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// openaiImageService adapts the real OpenAI client to imageService.
type openaiImageService struct {
	client openai.Client
}

func (s *openaiImageService) Generate(ctx context.Context, params openai.ImageGenerateParams) (openai.ImagesResponse, error) {
	resp, err := s.client.Images.Generate(ctx, params)
	if err != nil {
		return openai.ImagesResponse{}, err
	}
	return *resp, nil
}

// GenerateWithMessages generates a completion for the given message history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	content, _, err := c.GenerateWithUsage(ctx, messages)
	return content, err
}

// GenerateWithUsage generates a completion and reports total token usage.
func (c *Client) GenerateWithUsage(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, int64, error) {
	params := openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            messages,
		Temperature:         param.NewOpt(c.temperature),
		MaxCompletionTokens: param.NewOpt(c.maxCompletionTokens),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.GenerateWithUsage: completion failed", "error", err)
		return "", 0, err
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.GenerateWithUsage: empty choice list")
		return "", 0, ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}

// GenerateThinkingWithMessages asks the model for a JSON object containing
// both a reasoning trace and the user-facing content. Falls back to treating
// the raw output as content when the JSON contract is not honored.
func (c *Client) GenerateThinkingWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (*ThinkingResponse, error) {
	instruction := openai.SystemMessage(`Respond with a JSON object: {"thinking": "<your reasoning>", "content": "<your reply to the user>"}. Respond with JSON only.`)
	augmented := append([]openai.ChatCompletionMessageParamUnion{instruction}, messages...)

	raw, err := c.GenerateWithMessages(ctx, augmented)
	if err != nil {
		return nil, err
	}

	var resp ThinkingResponse
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &resp); err != nil || resp.Content == "" {
		slog.Debug("genai.GenerateThinkingWithMessages: falling back to raw content", "parseError", err)
		return &ThinkingResponse{
			Thinking: "System fallback: model did not return structured reasoning",
			Content:  raw,
		}, nil
	}
	return &resp, nil
}

// ExtractName asks the model to isolate a name from free text. Returns an
// empty string when the model cannot find one, so callers can fall back to
// heuristics.
func (c *Client) ExtractName(ctx context.Context, utterance, role string) (string, error) {
	system := fmt.Sprintf(`Extract the %s name from the user's message. Respond with the name only, capitalized. If the message contains no name, respond with exactly NONE.`, role)
	out, err := c.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(utterance),
	})
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(out)
	if name == "" || strings.EqualFold(name, "NONE") || strings.Contains(name, " ") {
		return "", nil
	}
	return name, nil
}

// GenerateScenario asks the model for a structured scenario draft.
func (c *Client) GenerateScenario(ctx context.Context, instruction string) (*ScenarioDraft, error) {
	system := `You design short conversational scenarios. Respond with a JSON object: {"title": "...", "description": "...", "prompt": "...", "tags": ["..."]}. Respond with JSON only.`
	raw, err := c.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(instruction),
	})
	if err != nil {
		return nil, err
	}

	var draft ScenarioDraft
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &draft); err != nil {
		slog.Warn("genai.GenerateScenario: unparseable draft", "error", err)
		return nil, fmt.Errorf("failed to parse scenario draft: %w", err)
	}
	if draft.Title == "" || draft.Prompt == "" {
		return nil, fmt.Errorf("scenario draft missing required fields")
	}
	return &draft, nil
}

// GenerateImage produces an image for the prompt and returns its URL.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	resp, err := c.images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModelDallE3,
		N:      param.NewOpt(int64(1)),
	})
	if err != nil {
		slog.Error("genai.GenerateImage: generation failed", "error", err)
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Data[0].URL, nil
}

// extractJSONObject trims any prose surrounding the first JSON object in raw.
// Models occasionally wrap JSON in code fences despite instructions.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}
