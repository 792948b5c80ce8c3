package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func openAIReply(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 123,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	}
}

func TestOpenAIComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); !strings.Contains(auth, "test-key") {
			t.Fatalf("expected auth header to include test-key, got %q", auth)
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Fatalf("expected model gpt-4o-mini, got %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Fatalf("unexpected messages: %#v", req.Messages)
		}

		_ = json.NewEncoder(w).Encode(openAIReply("  ## Summary\n- pricing agreed  "))
	}))
	defer server.Close()

	client, err := NewClient(ProviderOpenAI, "test-key", "gpt-4o-mini", WithBaseURL(server.URL+"/v1"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	got, err := client.Complete(context.Background(), Prompt("summarize the call", "[00:00:01] Host: hi"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "## Summary\n- pricing agreed" {
		t.Fatalf("expected trimmed response, got %q", got)
	}
}

func TestOpenAISamplingOptions(t *testing.T) {
	var req struct {
		MaxTokens   int      `json:"max_tokens"`
		Temperature *float64 `json:"temperature"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(openAIReply("joy"))
	}))
	defer server.Close()

	client, err := newOpenAIClient("test-key", "gpt-4o-mini", &clientOptions{baseURL: server.URL + "/v1", maxTokens: 16})
	if err != nil {
		t.Fatalf("newOpenAIClient failed: %v", err)
	}
	temp := 0.5
	client.opts.temperature = &temp

	if _, err := client.Complete(context.Background(), Prompt("", "label")); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if req.MaxTokens != 16 {
		t.Fatalf("expected max_tokens 16, got %d", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0.5 {
		t.Fatalf("expected temperature 0.5, got %v", req.Temperature)
	}
}

func TestOpenAIEmptyResponses(t *testing.T) {
	tests := []struct {
		name    string
		reply   map[string]any
		wantErr string
	}{
		{
			name: "no choices",
			reply: map[string]any{
				"id": "chatcmpl-1", "object": "chat.completion", "created": 123, "model": "gpt-4o-mini",
				"choices": []map[string]any{},
			},
			wantErr: "no choices",
		},
		{name: "blank content", reply: openAIReply("   "), wantErr: "empty response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(tt.reply)
			}))
			defer server.Close()

			client, err := newOpenAIClient("test-key", "gpt-4o-mini", &clientOptions{baseURL: server.URL + "/v1"})
			if err != nil {
				t.Fatalf("newOpenAIClient failed: %v", err)
			}

			_, err = client.Complete(context.Background(), Prompt("", "hello"))
			if !errors.Is(err, ErrEmptyResponse) {
				t.Fatalf("expected ErrEmptyResponse, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q in error, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestOpenAIRejectsPromptWithoutUser(t *testing.T) {
	client, _ := newOpenAIClient("test-key", "gpt-4o-mini", &clientOptions{baseURL: "http://127.0.0.1:0"})
	if _, err := client.Complete(context.Background(), []Message{{Role: RoleSystem, Content: "x"}}); !errors.Is(err, ErrNoUserMessage) {
		t.Fatalf("expected ErrNoUserMessage, got %v", err)
	}
}
