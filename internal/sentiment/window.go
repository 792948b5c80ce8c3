package sentiment

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const DefaultWindowSize = 4

var linePrefix = regexp.MustCompile(`\[\d{2}:\d{2}:\d{2}\] (Host|Client): `)

// Classifier maps a passage of speech to a single dominant emotion label.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Label is the outcome of one successful window flush.
type Label struct {
	// Key is the newest segment timestamp key that contributed to the window.
	Key   string
	Label string
	Text  string
}

type Sink func(ctx context.Context, l Label)

// Window accumulates transcript lines and classifies them once the buffer is
// full. The buffer is drained before the classifier is called, so a slow or
// failing classifier never holds lines back.
type Window struct {
	capacity   int
	classifier Classifier
	sink       Sink

	mu    sync.Mutex
	lines []string
	key   string

	flushMu sync.Mutex
}

func NewWindow(capacity int, classifier Classifier, sink Sink) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{
		capacity:   capacity,
		classifier: classifier,
		sink:       sink,
		lines:      make([]string, 0, capacity),
	}
}

// Push appends one line tagged with the timestamp key of the batch it came
// from. When the buffer reaches capacity it is flushed synchronously.
func (w *Window) Push(ctx context.Context, key, line string) {
	w.mu.Lock()
	w.lines = append(w.lines, line)
	if key != "" {
		w.key = key
	}
	if len(w.lines) < w.capacity {
		w.mu.Unlock()
		return
	}
	batch := w.lines
	batchKey := w.key
	w.lines = make([]string, 0, w.capacity)
	w.mu.Unlock()

	w.flush(ctx, batchKey, batch)
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lines)
}

func (w *Window) flush(ctx context.Context, key string, lines []string) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	text := Clean(lines)
	if text == "" || w.classifier == nil {
		return
	}

	label, err := w.classifier.Classify(ctx, text)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("sentiment: classification failed")
		return
	}
	log.Debug().Str("key", key).Str("label", label).Msg("sentiment: window classified")
	if w.sink != nil {
		w.sink(ctx, Label{Key: key, Label: label, Text: text})
	}
}

// Clean deduplicates lines preserving order, joins them with single spaces
// and removes the clock and speaker prefixes.
func Clean(lines []string) string {
	seen := make(map[string]struct{}, len(lines))
	unique := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		unique = append(unique, line)
	}
	joined := strings.Join(unique, " ")
	return strings.TrimSpace(linePrefix.ReplaceAllString(joined, ""))
}
