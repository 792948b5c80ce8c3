package server

import (
	"time"

	"github.com/sjawhar/callsense/internal/scores"
	"github.com/sjawhar/callsense/internal/transcribe"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type TranscriptLineEvent struct {
	Event
	CallID string          `json:"call_id"`
	Key    string          `json:"key"`
	Line   transcribe.Line `json:"line"`
	Text   string          `json:"text"`
}

type SentimentEvent struct {
	Event
	CallID string `json:"call_id"`
	Key    string `json:"key"`
	Label  string `json:"label"`
}

type ScoresEvent struct {
	Event
	CallID string        `json:"call_id"`
	Key    string        `json:"key"`
	Scores scores.Scores `json:"scores"`
}

type CallStartedEvent struct {
	Event
	CallID string `json:"call_id"`
}

type CallEndedEvent struct {
	Event
	CallID   string  `json:"call_id"`
	Duration float64 `json:"duration"`
}

type SummaryReadyEvent struct {
	Event
	CallID  string `json:"call_id"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
	Preset  string `json:"preset,omitempty"`
}

type StatusChangedEvent struct {
	Event
	Paused bool `json:"paused"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
