// Package pipeline wires the per-call flow from raw segments to transcript
// lines, sentiment labels and aggregator input.
package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/pairing"
	"github.com/sjawhar/callsense/internal/segment"
	"github.com/sjawhar/callsense/internal/sentiment"
	"github.com/sjawhar/callsense/internal/transcribe"
)

type LineStore interface {
	AppendLine(callID, key string, line transcribe.Line) error
}

type TranscriptWriter interface {
	Append(callID string, lines ...transcribe.Line) error
}

type Archive interface {
	AppendBatch(segs []segment.AudioSegment) error
}

type Scorer interface {
	AddAudioSentiment(callID, key, sentiment string)
}

type Broadcaster interface {
	BroadcastTranscriptLine(callID, key string, line transcribe.Line)
	BroadcastSentiment(callID, key, label string)
}

// Deps are shared across calls. Any of them except Transcriber may be nil.
type Deps struct {
	Transcriber transcribe.Transcriber
	Classifier  sentiment.Classifier
	Lines       LineStore
	Transcripts TranscriptWriter
	Archive     Archive
	Scorer      Scorer
	Events      Broadcaster
}

type Options struct {
	Pairing    pairing.Options
	WindowSize int
	// OnBatch runs after every resolved batch has been written.
	OnBatch func()
}

// Call is the pipeline of a single call.
type Call struct {
	id      string
	deps    Deps
	onBatch func()

	coordinator *pairing.Coordinator
	window      *sentiment.Window
}

func New(callID string, deps Deps, opts Options) *Call {
	c := &Call{id: callID, deps: deps, onBatch: opts.OnBatch}
	if deps.Classifier != nil {
		c.window = sentiment.NewWindow(opts.WindowSize, deps.Classifier, c.handleLabel)
	}
	c.coordinator = pairing.NewCoordinator(deps.Transcriber, c.handleBatch, opts.Pairing)
	return c
}

func (c *Call) ID() string {
	return c.id
}

func (c *Call) Submit(seg segment.AudioSegment) {
	c.coordinator.Submit(seg)
}

func (c *Call) Pending() int {
	return c.coordinator.Pending()
}

// Close resolves every pending key and waits until its batch is written.
func (c *Call) Close() {
	c.coordinator.Close()
}

func (c *Call) handleBatch(ctx context.Context, b pairing.Batch) {
	logger := log.With().Str("call_id", c.id).Str("key", b.Key).Logger()

	if c.deps.Archive != nil {
		if err := c.deps.Archive.AppendBatch(b.Segments); err != nil {
			logger.Warn().Err(err).Msg("archive batch failed")
		}
	}

	lines := transcribe.Assemble(b.Results...)
	if len(lines) > 0 && c.deps.Transcripts != nil {
		if err := c.deps.Transcripts.Append(c.id, lines...); err != nil {
			logger.Error().Err(err).Msg("transcript append failed")
		}
	}

	for _, line := range lines {
		if c.deps.Lines != nil {
			if err := c.deps.Lines.AppendLine(c.id, b.Key, line); err != nil {
				logger.Error().Err(err).Msg("store transcript line failed")
			}
		}
		if c.deps.Events != nil {
			c.deps.Events.BroadcastTranscriptLine(c.id, b.Key, line)
		}
		if c.window != nil {
			c.window.Push(ctx, b.Key, line.String())
		}
	}

	logger.Debug().Int("lines", len(lines)).Bool("paired", b.Paired).Msg("batch written")

	if c.onBatch != nil {
		c.onBatch()
	}
}

func (c *Call) handleLabel(_ context.Context, l sentiment.Label) {
	log.Debug().Str("call_id", c.id).Str("key", l.Key).Str("label", l.Label).Msg("window classified")

	if c.deps.Scorer != nil {
		c.deps.Scorer.AddAudioSentiment(c.id, l.Key, l.Label)
	}
	if c.deps.Events != nil {
		c.deps.Events.BroadcastSentiment(c.id, l.Key, l.Label)
	}
}
