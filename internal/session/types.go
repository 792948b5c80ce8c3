package session

import (
	"context"
	"time"

	"github.com/sjawhar/callsense/internal/pipeline"
	"github.com/sjawhar/callsense/internal/segment"
	"github.com/sjawhar/callsense/internal/sentiment"
	"github.com/sjawhar/callsense/internal/storage"
	"github.com/sjawhar/callsense/internal/transcribe"
)

type Store interface {
	pipeline.LineStore
	CreateCall(c storage.Call) error
	EndCall(id string, endedAt time.Time, audioPath string) error
	SeedNeutral(callID string, at time.Time) error
	GetLines(callID string) ([]transcribe.Line, error)
	UpdateSummary(callID, summary, status, preset string) error
}

type Archive interface {
	StartCall(callID string) error
	AppendBatch(segs []segment.AudioSegment) error
	EndCall() (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, callID, transcript string) (string, string, error)
}

type Scorer interface {
	pipeline.Scorer
	ForgetCall(callID string)
}

type EventBroadcaster interface {
	pipeline.Broadcaster
	BroadcastCallStarted(callID string)
	BroadcastCallEnded(callID string, duration time.Duration)
	BroadcastSummaryReady(callID, summary, status, preset string)
}

// Components are the per-call pipeline stages shared by every call.
type Components struct {
	Transcriber transcribe.Transcriber
	Classifier  sentiment.Classifier
	Transcripts pipeline.TranscriptWriter
	Archive     Archive
	Scorer      Scorer
}
