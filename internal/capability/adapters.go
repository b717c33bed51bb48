package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go"

	"github.com/originx/one-engine/internal/genai"
	"github.com/originx/one-engine/internal/models"
)

// VendorAdapter executes one capability against its backing vendor. Adapters
// return plain Go errors; the invoker translates them into InvocationResult
// failures.
type VendorAdapter interface {
	// Execute runs the capability with the given input and returns the
	// vendor payload reference plus tokens consumed, when applicable.
	Execute(ctx context.Context, c models.Capability, input string) (result string, tokens int64, err error)
}

// OpenAITextAdapter backs text_generation capabilities with the chat API.
type OpenAITextAdapter struct {
	AI genai.ClientInterface
}

func (a *OpenAITextAdapter) Execute(ctx context.Context, _ models.Capability, input string) (string, int64, error) {
	out, tokens, err := a.AI.GenerateWithUsage(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(input),
	})
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", models.ErrVendorUnavailable, err)
	}
	return out, tokens, nil
}

// OpenAIImageAdapter backs image_generation capabilities.
type OpenAIImageAdapter struct {
	AI genai.ClientInterface
}

func (a *OpenAIImageAdapter) Execute(ctx context.Context, _ models.Capability, input string) (string, int64, error) {
	url, err := a.AI.GenerateImage(ctx, input)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", models.ErrVendorUnavailable, err)
	}
	return url, 0, nil
}

// HTTPVideoAdapter submits render jobs to an external video service over
// plain HTTP and returns the job's output URL.
type HTTPVideoAdapter struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type videoRequest struct {
	Prompt string `json:"prompt"`
}

type videoResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

func (a *HTTPVideoAdapter) Execute(ctx context.Context, _ models.Capability, input string) (string, int64, error) {
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}

	body, err := json.Marshal(videoRequest{Prompt: input})
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode video request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/render", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build video request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", models.ErrVendorUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read video response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: video service returned %d: %s", models.ErrVendorUnavailable, resp.StatusCode, raw)
	}

	var out videoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, fmt.Errorf("failed to decode video response: %w", err)
	}
	if out.Error != "" {
		return "", 0, fmt.Errorf("video render failed: %s", out.Error)
	}
	return out.URL, 0, nil
}

// StaticAdapter returns a fixed result. Used for effects with no vendor call
// and in tests.
type StaticAdapter struct {
	Result string
	Err    error
}

func (a *StaticAdapter) Execute(context.Context, models.Capability, string) (string, int64, error) {
	if a.Err != nil {
		return "", 0, a.Err
	}
	return a.Result, 0, nil
}
