// Package llm puts the OpenAI, Anthropic and Gemini chat APIs behind a
// single Complete call used for summaries, routing, sentiment labels and
// task analysis.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

const defaultMaxTokens = 8192

var (
	ErrEmptyResponse = errors.New("empty response")
	ErrMissingAPIKey = errors.New("api key not configured")
	ErrNoUserMessage = errors.New("no user message provided")
)

type Message struct {
	Role    string
	Content string
}

// Prompt is the system plus user pair every analysis request sends.
func Prompt(system, user string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	return append(msgs, Message{Role: RoleUser, Content: user})
}

type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL     string
	maxTokens   int
	temperature *float64
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// WithMaxTokens caps the completion length. Zero keeps the provider default.
func WithMaxTokens(n int) Option {
	return func(o *clientOptions) {
		o.maxTokens = n
	}
}

// WithTemperature pins sampling temperature. Label and checklist prompts use 0.
func WithTemperature(t float64) Option {
	return func(o *clientOptions) {
		o.temperature = &t
	}
}

func (o *clientOptions) tokens() int {
	if o.maxTokens > 0 {
		return o.maxTokens
	}
	return defaultMaxTokens
}

func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(strings.TrimSpace(model), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return strings.ToLower(parts[0]), parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, anthropic, gemini", provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrMissingAPIKey)
	}

	switch provider {
	case ProviderOpenAI:
		return newOpenAIClient(apiKey, model, o)
	case ProviderAnthropic:
		return newAnthropicClient(apiKey, model, o)
	default:
		return newGeminiClient(apiKey, model, o)
	}
}

// Resolve builds a client from a "provider/model" string, looking the key
// up by provider name.
func Resolve(model string, key func(provider string) string, opts ...Option) (Client, error) {
	provider, name, err := ParseModel(model)
	if err != nil {
		return nil, err
	}
	return NewClient(provider, key(provider), name, opts...)
}

func requireUserMessage(provider string, messages []Message) error {
	for _, m := range messages {
		if m.Role == RoleUser {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", provider, ErrNoUserMessage)
}

func emptyResponse(provider string) error {
	return fmt.Errorf("%s: %w", provider, ErrEmptyResponse)
}
