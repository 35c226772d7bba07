package llm

import (
	"context"
	"fmt"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashureev/voice-relay/internal/conversation"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicBackend streams completions from the Anthropic Messages API.
type AnthropicBackend struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

func newAnthropicFactory(_ context.Context, opts Options) (Backend, error) {
	if opts.APIKey == "" {
		return nil, errNoAPIKey
	}
	return NewAnthropicBackend(opts), nil
}

// NewAnthropicBackend creates a Messages API backend.
func NewAnthropicBackend(opts Options) *AnthropicBackend {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(reqOpts...)

	model := opts.Model
	if model == "" {
		model = DefaultModel(ProviderAnthropic)
	}
	// The Messages API rejects requests without a token limit.
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicBackend{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Name implements Backend.
func (b *AnthropicBackend) Name() string {
	return fmt.Sprintf("Anthropic (%s)", b.model)
}

// Stream implements Backend.
func (b *AnthropicBackend) Stream(ctx context.Context, history []conversation.Turn, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params := buildAnthropicParams(history, prompt)
		params.Model = anthropic.Model(b.model)
		params.MaxTokens = b.maxTokens

		stream := b.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			if !yield(text.Text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("anthropic streaming error: %w", err))
		}
	}
}

func buildAnthropicParams(history []conversation.Turn, prompt string) anthropic.MessageNewParams {
	system, dialogue := splitSystem(history)

	var params anthropic.MessageNewParams
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = make([]anthropic.MessageParam, 0, len(dialogue)+1)
	for _, turn := range dialogue {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == conversation.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
			continue
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
	}
	params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	return params
}
