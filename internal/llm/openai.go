package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ashureev/voice-relay/internal/conversation"
)

var errNoAPIKey = errors.New("api key is required")

// OpenAIBackend streams chat completions from the OpenAI API or any server
// speaking the same protocol.
type OpenAIBackend struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func newOpenAIFactory(_ context.Context, opts Options) (Backend, error) {
	if opts.APIKey == "" {
		return nil, errNoAPIKey
	}
	return NewOpenAIBackend(opts), nil
}

// NewOpenAIBackend creates a backend using the chat completions API.
func NewOpenAIBackend(opts Options, extra ...option.RequestOption) *OpenAIBackend {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	reqOpts = append(reqOpts, extra...)

	client := openai.NewClient(reqOpts...)
	model := opts.Model
	if model == "" {
		model = DefaultModel(ProviderOpenAI)
	}
	return &OpenAIBackend{
		client:    &client,
		model:     model,
		maxTokens: opts.MaxTokens,
	}
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string {
	return fmt.Sprintf("OpenAI (%s)", b.model)
}

// Stream implements Backend.
func (b *OpenAIBackend) Stream(ctx context.Context, history []conversation.Turn, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(b.model),
			Messages: buildOpenAIMessages(history, prompt),
		}
		if b.maxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(int64(b.maxTokens))
		}

		stream := b.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("openai streaming error: %w", err))
		}
	}
}

func buildOpenAIMessages(history []conversation.Turn, prompt string) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	for _, turn := range history {
		switch turn.Role {
		case conversation.RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		case conversation.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case conversation.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		}
	}
	return append(messages, openai.UserMessage(prompt))
}
