// Gemini-backed Provider, wrapping google.golang.org/genai: a genai.Client
// built once at construction, GenerateContent called per request.
package llmprovider

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini-backed provider.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int32
}

// SetDefaults fills in the production default model when unset.
func (c *GeminiConfig) SetDefaults() {
	if c.Model == "" {
		c.Model = "gemini-2.0-flash"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
}

// GeminiProvider satisfies Provider via genai.Client.Models.GenerateContent.
type GeminiProvider struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGeminiProvider constructs a Provider backed by the given API key.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llmprovider: gemini api key is required")
	}
	cfg.SetDefaults()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("llmprovider: create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, cfg: cfg}, nil
}

// ModelName returns the configured model.
func (p *GeminiProvider) ModelName() string { return p.cfg.Model }

// Complete sends messages as a single-turn genai GenerateContent call. The
// last message with role "system" becomes the system instruction; every
// other message is sent as its own user-role Content, in order (the
// adapters in internal/agents only ever send one user-role prompt per call).
func (p *GeminiProvider) Complete(ctx context.Context, messages []Message) (Completion, error) {
	var systemInstruction *genai.Content
	var contents []*genai.Content

	for _, m := range messages {
		if m.Role == "system" {
			systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(p.cfg.Temperature),
		MaxOutputTokens:   p.cfg.MaxTokens,
		SystemInstruction: systemInstruction,
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, config)
	if err != nil {
		return Completion{}, fmt.Errorf("llmprovider: gemini completion: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return Completion{}, fmt.Errorf("llmprovider: gemini returned no candidates")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}

	completion := Completion{Text: text}
	if resp.UsageMetadata != nil {
		completion.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		completion.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return completion, nil
}
