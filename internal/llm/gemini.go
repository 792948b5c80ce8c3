package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
	opts   clientOptions
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		config.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &geminiClient{client: client, model: model, opts: *opts}, nil
}

func textContent(role, text string) *genai.Content {
	return &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}}
}

// convertGeminiMessages splits out the system instruction. Gemini calls the
// assistant role "model".
func convertGeminiMessages(messages []Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	var contents []*genai.Content

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = textContent("", m.Content)
		case RoleUser:
			contents = append(contents, textContent("user", m.Content))
		case RoleAssistant:
			contents = append(contents, textContent("model", m.Content))
		}
	}

	return system, contents
}

func (c *geminiClient) generateConfig(system *genai.Content) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		MaxOutputTokens:   int32(c.opts.tokens()),
	}
	if c.opts.temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*c.opts.temperature))
	}
	return cfg
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if err := requireUserMessage(ProviderGemini, messages); err != nil {
		return "", err
	}

	system, contents := convertGeminiMessages(messages)
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, c.generateConfig(system))
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", emptyResponse(ProviderGemini)
	}
	return text, nil
}
