package aggregate

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/scores"
)

const (
	DefaultDelay = 12 * time.Second

	// HistoryWindow bounds the per-call observations kept for cognitive
	// resonance.
	HistoryWindow = 10 * time.Minute

	processedHistory = 4096
)

type Posture struct {
	Result string  `json:"result" validate:"required"`
	Angle  float64 `json:"angle"`
}

type Gaze struct {
	Horizontal string `json:"horizontal"`
	Vertical   string `json:"vertical"`
}

// VideoMetrics is the payload posted by the video analysis pipeline.
type VideoMetrics struct {
	Posture Posture `json:"posture" validate:"required"`
	Gaze    Gaze    `json:"gaze"`
	Emotion string  `json:"emotion"`
}

func (m VideoMetrics) Observation(at time.Time) scores.VideoObservation {
	direction := "Not detected"
	if m.Gaze.Horizontal != "" && m.Gaze.Vertical != "" {
		direction = m.Gaze.Horizontal + "-" + m.Gaze.Vertical
	}
	return scores.VideoObservation{
		BodyAlignment: m.Posture.Result,
		GazeDirection: direction,
		Emotion:       m.Emotion,
		Timestamp:     at,
	}
}

// Composite is one resolved aggregation bucket.
type Composite struct {
	CallID string        `json:"call_id"`
	Key    string        `json:"timestamp"`
	At     time.Time     `json:"at"`
	Scores scores.Scores `json:"scores"`
}

// Store persists raw observations as they arrive and composite results once
// a bucket resolves.
type Store interface {
	AppendVideoResult(callID string, obs scores.VideoObservation) error
	AppendAudioResult(callID string, obs scores.AudioObservation) error
	AppendAggregate(callID string, at time.Time, s scores.Scores) error
}

type bucketKey struct {
	callID string
	key    string
}

type bucket struct {
	video *scores.VideoObservation
	audio *scores.AudioObservation
	timer *time.Timer
}

type history struct {
	video []scores.VideoObservation
	audio []scores.AudioObservation
}

func (h *history) trim(cutoff time.Time) {
	i := 0
	for i < len(h.video) && h.video[i].Timestamp.Before(cutoff) {
		i++
	}
	h.video = h.video[i:]
	j := 0
	for j < len(h.audio) && h.audio[j].Timestamp.Before(cutoff) {
		j++
	}
	h.audio = h.audio[j:]
}

// Aggregator joins video metrics and audio sentiment that share a timestamp
// key and turns each complete pair into composite scores.
type Aggregator struct {
	delay time.Duration
	store Store
	emit  func(Composite)
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[bucketKey]*bucket
	processed map[bucketKey]struct{}
	order     []bucketKey
	histories map[string]*history
	closed    bool
}

func New(delay time.Duration, store Store, emit func(Composite)) *Aggregator {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Aggregator{
		delay:     delay,
		store:     store,
		emit:      emit,
		now:       time.Now,
		buckets:   make(map[bucketKey]*bucket),
		processed: make(map[bucketKey]struct{}),
		histories: make(map[string]*history),
	}
}

func (a *Aggregator) AddVideoMetrics(callID, key string, m VideoMetrics) {
	obs := m.Observation(a.now().UTC())
	if a.store != nil {
		if err := a.store.AppendVideoResult(callID, obs); err != nil {
			log.Error().Err(err).Str("call_id", callID).Str("key", key).Msg("aggregate: store video result")
		}
	}
	a.add(bucketKey{callID, key}, func(b *bucket) { b.video = &obs })
}

func (a *Aggregator) AddAudioSentiment(callID, key, sentiment string) {
	obs := scores.AudioObservation{Sentiment: strings.ToLower(strings.TrimSpace(sentiment)), Timestamp: a.now().UTC()}
	if a.store != nil {
		if err := a.store.AppendAudioResult(callID, obs); err != nil {
			log.Error().Err(err).Str("call_id", callID).Str("key", key).Msg("aggregate: store audio result")
		}
	}
	a.add(bucketKey{callID, key}, func(b *bucket) { b.audio = &obs })
}

func (a *Aggregator) add(k bucketKey, set func(*bucket)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if _, done := a.processed[k]; done {
		log.Warn().Str("call_id", k.callID).Str("key", k.key).Msg("aggregate: metrics for processed timestamp ignored")
		return
	}

	b, ok := a.buckets[k]
	if !ok {
		b = &bucket{}
		a.buckets[k] = b
		b.timer = time.AfterFunc(a.delay, func() { a.processMetrics(k) })
	}
	set(b)
}

// Pending reports how many buckets are waiting for their timer.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}

func (a *Aggregator) processMetrics(k bucketKey) {
	a.mu.Lock()
	if _, done := a.processed[k]; done || a.closed {
		a.mu.Unlock()
		return
	}
	b, ok := a.buckets[k]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.buckets, k)
	a.markProcessedLocked(k)

	if b.video == nil || b.audio == nil {
		a.mu.Unlock()
		log.Info().Str("call_id", k.callID).Str("key", k.key).
			Bool("video", b.video != nil).Bool("audio", b.audio != nil).
			Msg("aggregate: incomplete data for timestamp")
		return
	}

	video := []scores.VideoObservation{*b.video}
	audio := []scores.AudioObservation{*b.audio}
	s := scores.Compute(video, audio)

	h, ok := a.histories[k.callID]
	if !ok {
		h = &history{}
		a.histories[k.callID] = h
	}
	h.video = append(h.video, *b.video)
	h.audio = append(h.audio, *b.audio)
	now := a.now().UTC()
	h.trim(now.Add(-HistoryWindow))
	s.CognitiveResonance = scores.CognitiveResonance(h.video, h.audio)
	a.mu.Unlock()

	c := Composite{CallID: k.callID, Key: k.key, At: now, Scores: s}
	if a.store != nil {
		if err := a.store.AppendAggregate(k.callID, now, s); err != nil {
			log.Error().Err(err).Str("call_id", k.callID).Str("key", k.key).Msg("aggregate: store composite")
		}
	}
	log.Debug().Str("call_id", k.callID).Str("key", k.key).Msg("aggregate: composite computed")
	if a.emit != nil {
		a.emit(c)
	}
}

func (a *Aggregator) markProcessedLocked(k bucketKey) {
	a.processed[k] = struct{}{}
	a.order = append(a.order, k)
	if len(a.order) > processedHistory {
		delete(a.processed, a.order[0])
		a.order = a.order[1:]
	}
}

// ForgetCall drops the resonance history of a finished call.
func (a *Aggregator) ForgetCall(callID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.histories, callID)
}

// Close cancels all pending timers. Buckets still waiting are dropped.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for k, b := range a.buckets {
		b.timer.Stop()
		delete(a.buckets, k)
	}
}
