package sentiment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kbukum/gokit/httpclient"
	"github.com/kbukum/gokit/httpclient/rest"

	"github.com/sjawhar/callsense/internal/llm"
)

const DefaultClassifierURL = "https://riu-rd-emoroberta-api.hf.space/emoroberta"

var errEmptyPrediction = errors.New("classifier returned no label")

// Labels is the GoEmotions label set produced by both classifier backends.
var Labels = []string{
	"admiration", "amusement", "anger", "annoyance", "approval", "caring",
	"confusion", "curiosity", "desire", "disappointment", "disapproval",
	"disgust", "embarrassment", "excitement", "fear", "gratitude", "grief",
	"joy", "love", "nervousness", "optimism", "pride", "realization",
	"relief", "remorse", "sadness", "surprise", "neutral",
}

type classifyRequest struct {
	Input string `json:"input"`
}

type prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type classifyResponse struct {
	Predictions     []prediction `json:"predictions"`
	DominantEmotion string       `json:"dominant_emotion"`
}

// HTTPClassifier calls an EmoRoBERTa-style JSON endpoint. Transient failures
// such as a Space that is still loading are retried with backoff.
type HTTPClassifier struct {
	url    string
	client *rest.Client
}

func NewHTTPClassifier(url string, timeout time.Duration) (*HTTPClassifier, error) {
	if url == "" {
		url = DefaultClassifierURL
	}
	client, err := rest.New(httpclient.Config{
		Timeout: timeout,
		Retry:   httpclient.DefaultRetryConfig(),
	})
	if err != nil {
		return nil, fmt.Errorf("create classifier client: %w", err)
	}
	return &HTTPClassifier{url: url, client: client}, nil
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (string, error) {
	resp, err := rest.Post[classifyResponse](ctx, c.client, c.url, classifyRequest{Input: text})
	if err != nil {
		return "", fmt.Errorf("classifier request: %w", err)
	}
	out := resp.Data

	if len(out.Predictions) > 0 {
		best := out.Predictions[0]
		for _, p := range out.Predictions[1:] {
			if p.Score > best.Score {
				best = p
			}
		}
		if best.Label != "" {
			return strings.ToLower(best.Label), nil
		}
	}
	if out.DominantEmotion != "" {
		return strings.ToLower(out.DominantEmotion), nil
	}
	return "", errEmptyPrediction
}

const classifyPrompt = `You label the dominant emotion in a short passage of spoken conversation.
Reply with exactly one word from this list and nothing else:
%s`

// LLMClassifier asks a chat model for a single GoEmotions label.
type LLMClassifier struct {
	client llm.Client
}

func NewLLMClassifier(client llm.Client) *LLMClassifier {
	return &LLMClassifier{client: client}
}

func (c *LLMClassifier) Classify(ctx context.Context, text string) (string, error) {
	reply, err := c.client.Complete(ctx, llm.Prompt(fmt.Sprintf(classifyPrompt, strings.Join(Labels, ", ")), text))
	if err != nil {
		return "", fmt.Errorf("llm classify: %w", err)
	}

	label := strings.ToLower(strings.Trim(strings.TrimSpace(reply), ".!\"'`"))
	if !slices.Contains(Labels, label) {
		return "", fmt.Errorf("llm classify: unexpected label %q", reply)
	}
	return label, nil
}
