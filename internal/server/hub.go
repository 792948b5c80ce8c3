package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/aggregate"
	"github.com/sjawhar/callsense/internal/transcribe"
)

// Hub fans events out to websocket subscribers. Slow subscribers miss
// messages rather than block broadcasters.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastTranscriptLine(callID, key string, line transcribe.Line) {
	h.broadcastEvent(TranscriptLineEvent{
		Event:  newEvent("transcript_line", time.Now().UTC()),
		CallID: callID,
		Key:    key,
		Line:   line,
		Text:   line.String(),
	})
}

func (h *Hub) BroadcastSentiment(callID, key, label string) {
	h.broadcastEvent(SentimentEvent{
		Event:  newEvent("sentiment", time.Now().UTC()),
		CallID: callID,
		Key:    key,
		Label:  label,
	})
}

func (h *Hub) BroadcastScores(c aggregate.Composite) {
	h.broadcastEvent(ScoresEvent{
		Event:  newEvent("scores", c.At),
		CallID: c.CallID,
		Key:    c.Key,
		Scores: c.Scores,
	})
}

func (h *Hub) BroadcastCallStarted(callID string) {
	h.broadcastEvent(CallStartedEvent{
		Event:  newEvent("call_started", time.Now().UTC()),
		CallID: callID,
	})
}

func (h *Hub) BroadcastCallEnded(callID string, duration time.Duration) {
	h.broadcastEvent(CallEndedEvent{
		Event:    newEvent("call_ended", time.Now().UTC()),
		CallID:   callID,
		Duration: duration.Seconds(),
	})
}

func (h *Hub) BroadcastSummaryReady(callID, summary, status, preset string) {
	h.broadcastEvent(SummaryReadyEvent{
		Event:   newEvent("summary_ready", time.Now().UTC()),
		CallID:  callID,
		Summary: summary,
		Status:  status,
		Preset:  preset,
	})
}

func (h *Hub) BroadcastStatusChanged(paused bool) {
	h.broadcastEvent(StatusChangedEvent{
		Event:  newEvent("status_changed", time.Now().UTC()),
		Paused: paused,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("event marshal error")
		return
	}
	h.Broadcast(payload)
}
