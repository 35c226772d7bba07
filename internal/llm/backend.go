// Package llm adapts streaming completion providers to a single interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/voice-relay/internal/conversation"
)

// ErrUnknownProvider is returned when no backend is registered under a name.
var ErrUnknownProvider = errors.New("unknown llm provider")

// Backend streams a completion for a conversation.
type Backend interface {
	// Name identifies the provider and model, for logs.
	Name() string

	// Stream sends history plus the new user prompt and yields reply
	// fragments in the order the provider produced them. The sequence ends
	// when the reply is complete; a failure is yielded as an error and ends
	// the sequence. history already contains the system turn; prompt is not
	// part of it. Breaking out of the loop releases the underlying request.
	Stream(ctx context.Context, history []conversation.Turn, prompt string) iter.Seq2[string, error]
}

// Options configure a backend at construction time.
type Options struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// Factory builds a backend from options.
type Factory func(ctx context.Context, opts Options) (Backend, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding every built-in provider.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ProviderOpenAI, newOpenAIFactory)
	r.Register(ProviderGemini, newGeminiFactory)
	r.Register(ProviderAnthropic, newAnthropicFactory)
	r.Register(ProviderEcho, newEchoFactory)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(name)]
	return ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the backend registered under name.
func (r *Registry) New(ctx context.Context, name string, opts Options) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownProvider, name, strings.Join(r.Names(), ", "))
	}
	if opts.Model == "" {
		opts.Model = DefaultModel(name)
	}
	b, err := f(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", name, err)
	}
	return b, nil
}

// Provider names understood by DefaultRegistry.
const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderEcho      = "echo"
)

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch strings.ToLower(provider) {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderGemini:
		return "gemini-2.0-flash"
	case ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	default:
		return ""
	}
}

// RequiresAPIKey reports whether provider needs a credential to start.
func RequiresAPIKey(provider string) bool {
	switch strings.ToLower(provider) {
	case ProviderOpenAI, ProviderGemini, ProviderAnthropic:
		return true
	default:
		return false
	}
}

// splitSystem separates system turns from the dialogue. Providers that take
// the instruction out of band receive the joined system text.
func splitSystem(history []conversation.Turn) (string, []conversation.Turn) {
	var system []string
	dialogue := make([]conversation.Turn, 0, len(history))
	for _, turn := range history {
		if turn.Role == conversation.RoleSystem {
			system = append(system, turn.Content)
			continue
		}
		dialogue = append(dialogue, turn)
	}
	return strings.Join(system, "\n\n"), dialogue
}
