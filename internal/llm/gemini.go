package llm

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/ashureev/voice-relay/internal/conversation"
)

// GeminiBackend streams completions from the Gemini API.
type GeminiBackend struct {
	client    *genai.Client
	model     string
	maxTokens int
}

func newGeminiFactory(ctx context.Context, opts Options) (Backend, error) {
	if opts.APIKey == "" {
		return nil, errNoAPIKey
	}
	return NewGeminiBackend(ctx, opts)
}

// NewGeminiBackend creates a Gemini API client.
func NewGeminiBackend(ctx context.Context, opts Options) (*GeminiBackend, error) {
	cfg := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel(ProviderGemini)
	}
	return &GeminiBackend{
		client:    client,
		model:     model,
		maxTokens: opts.MaxTokens,
	}, nil
}

// Name implements Backend.
func (b *GeminiBackend) Name() string {
	return fmt.Sprintf("Gemini (%s)", b.model)
}

// Stream implements Backend.
func (b *GeminiBackend) Stream(ctx context.Context, history []conversation.Turn, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents, config := buildGeminiRequest(history, prompt)
		if b.maxTokens > 0 {
			config.MaxOutputTokens = int32(b.maxTokens)
		}

		for resp, err := range b.client.Models.GenerateContentStream(ctx, b.model, contents, config) {
			if err != nil {
				yield("", fmt.Errorf("gemini streaming error: %w", err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// buildGeminiRequest maps turns onto Gemini contents. System turns move to
// the system instruction and assistant turns use the "model" role.
func buildGeminiRequest(history []conversation.Turn, prompt string) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, dialogue := splitSystem(history)

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	contents := make([]*genai.Content, 0, len(dialogue)+1)
	for _, turn := range dialogue {
		role := genai.Role(genai.RoleUser)
		if turn.Role == conversation.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
	return contents, config
}
