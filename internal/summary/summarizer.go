package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sjawhar/callsense/internal/config"
	"github.com/sjawhar/callsense/internal/llm"
)

// ErrDuplicateRequest is returned when the same transcript has already been
// submitted for summarization with the same preset.
var ErrDuplicateRequest = errors.New("summary already requested")

type ClientFactory func(provider, model string) (llm.Client, error)

type IdempotencyStore interface {
	ClaimSummaryRequest(callID, promptHash string) (bool, error)
}

type Option func(*Summarizer)

// WithIdempotency makes Summarize claim each (call, preset, transcript)
// once in store before calling the model.
func WithIdempotency(store IdempotencyStore) Option {
	return func(s *Summarizer) {
		s.claims = store
	}
}

type Summarizer struct {
	cfg     config.Summarization
	factory ClientFactory
	router  *Router
	claims  IdempotencyStore
	sleep   func(time.Duration)
}

func New(cfg config.Summarization, factory ClientFactory, opts ...Option) *Summarizer {
	var router *Router
	if len(cfg.Presets) > 1 {
		router = NewRouter(cfg, factory)
	}
	s := &Summarizer{
		cfg:     cfg,
		factory: factory,
		router:  router,
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Summarizer) Summarize(ctx context.Context, callID, transcript string) (string, string, error) {
	presetName, err := s.selectPreset(ctx, transcript)
	if err != nil {
		return "", "", fmt.Errorf("select preset: %w", err)
	}

	if s.claims != nil && longEnough(transcript) {
		claimed, err := s.claims.ClaimSummaryRequest(callID, promptHash(presetName, transcript))
		if err != nil {
			return "", presetName, fmt.Errorf("claim summary request: %w", err)
		}
		if !claimed {
			return "", presetName, ErrDuplicateRequest
		}
	}

	summary, err := s.SummarizeWithPreset(ctx, callID, transcript, presetName)
	return summary, presetName, err
}

func (s *Summarizer) SummarizeWithPreset(ctx context.Context, _ string, transcript, presetName string) (string, error) {
	if !longEnough(transcript) {
		return "", nil
	}

	preset, ok := s.cfg.Presets[presetName]
	if !ok {
		return "", fmt.Errorf("unknown preset %q", presetName)
	}

	modelStr := preset.Model
	if modelStr == "" {
		modelStr = s.cfg.Model
	}

	provider, model, err := llm.ParseModel(modelStr)
	if err != nil {
		return "", err
	}

	client, err := s.factory(provider, model)
	if err != nil {
		return "", fmt.Errorf("create llm client: %w", err)
	}

	date := time.Now().UTC().Format("2006-01-02")
	userContent := strings.ReplaceAll(preset.UserTemplate, "{{transcript}}", transcript)
	userContent = strings.ReplaceAll(userContent, "{{date}}", date)

	messages := llm.Prompt(preset.SystemPrompt, userContent)

	result, err := withRetry(s.sleep, func() (string, error) {
		return client.Complete(ctx, messages)
	})
	if err != nil {
		return "", fmt.Errorf("summarize failed after retries: %w", err)
	}
	return strings.TrimSpace(result), nil
}

func (s *Summarizer) selectPreset(ctx context.Context, transcript string) (string, error) {
	if s.router == nil {
		for name := range s.cfg.Presets {
			return name, nil
		}
		return "default", nil
	}
	return s.router.SelectPreset(ctx, transcript)
}

func (s *Summarizer) Presets() map[string]config.Preset {
	return s.cfg.Presets
}

func longEnough(transcript string) bool {
	return len(strings.Fields(transcript)) >= 20
}

func promptHash(preset, transcript string) string {
	sum := sha256.Sum256([]byte(preset + "\x00" + transcript))
	return hex.EncodeToString(sum[:])
}

var backoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

func withRetry(sleep func(time.Duration), call func() (string, error)) (string, error) {
	var lastErr error
	for attempt := range backoff {
		result, err := call()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < len(backoff)-1 {
			sleep(backoff[attempt])
		}
	}
	return "", lastErr
}
