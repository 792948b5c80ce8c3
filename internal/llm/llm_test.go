package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestParseModel(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantProvider string
		wantModel    string
		wantErr      string
	}{
		{name: "valid", input: "openai/gpt-4o-mini", wantProvider: "openai", wantModel: "gpt-4o-mini"},
		{name: "provider case folded", input: " Anthropic/claude-3-5-haiku ", wantProvider: "anthropic", wantModel: "claude-3-5-haiku"},
		{name: "missing slash", input: "openai", wantErr: "invalid model format"},
		{name: "empty provider", input: "/gpt-4o-mini", wantErr: "invalid model format"},
		{name: "empty model", input: "openai/", wantErr: "invalid model format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, modelName, err := ParseModel(tt.input)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("ParseModel returned error: %v", err)
			}
			if provider != tt.wantProvider || modelName != tt.wantModel {
				t.Fatalf("expected %s/%s, got %s/%s", tt.wantProvider, tt.wantModel, provider, modelName)
			}
		})
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	client, err := NewClient("unknown", "key", "some-model")
	if err == nil {
		t.Fatalf("expected error for unknown provider, got nil")
	}
	if client != nil {
		t.Fatalf("expected nil client, got %#v", client)
	}
	if !strings.Contains(err.Error(), "unknown LLM provider") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewClientMissingKey(t *testing.T) {
	_, err := NewClient(ProviderAnthropic, "", "claude-3-5-haiku")
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestResolveLooksUpKeyByProvider(t *testing.T) {
	var asked string
	client, err := Resolve("openai/gpt-4o-mini", func(provider string) string {
		asked = provider
		return "sk-test"
	}, WithTemperature(0))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if asked != "openai" {
		t.Fatalf("expected key lookup for openai, got %q", asked)
	}
	oc, ok := client.(*openaiClient)
	if !ok {
		t.Fatalf("expected openai client, got %T", client)
	}
	if oc.opts.temperature == nil || *oc.opts.temperature != 0 {
		t.Fatalf("expected temperature option to carry through, got %v", oc.opts.temperature)
	}

	if _, err := Resolve("gpt-4o-mini", func(string) string { return "k" }); err == nil {
		t.Fatal("expected error for model without provider")
	}
}

func TestPrompt(t *testing.T) {
	msgs := Prompt("label it", "I love this")
	if len(msgs) != 2 || msgs[0].Role != RoleSystem || msgs[1].Role != RoleUser || msgs[1].Content != "I love this" {
		t.Fatalf("unexpected prompt %#v", msgs)
	}

	if msgs := Prompt("", "only user"); len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("expected lone user message, got %#v", msgs)
	}
}

func TestRequireUserMessage(t *testing.T) {
	err := requireUserMessage(ProviderGemini, []Message{{Role: RoleSystem, Content: "x"}})
	if !errors.Is(err, ErrNoUserMessage) {
		t.Fatalf("expected ErrNoUserMessage, got %v", err)
	}
	if err := requireUserMessage(ProviderGemini, Prompt("", "hi")); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
