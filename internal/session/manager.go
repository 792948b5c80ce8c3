package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/pipeline"
	"github.com/sjawhar/callsense/internal/segment"
	"github.com/sjawhar/callsense/internal/storage"
)

type activeCall struct {
	info     storage.Call
	pipeline *pipeline.Call
}

// Manager owns the lifecycle of the active call. At most one call is active
// at a time; segments that arrive while none is active start one.
type Manager struct {
	store      Store
	summarizer Summarizer
	hub        EventBroadcaster
	detector   *Detector
	components Components
	opts       pipeline.Options
	now        func() time.Time

	// lifecycle serializes starting, ending and submitting to a call.
	lifecycle sync.Mutex
	mu        sync.Mutex
	current   *activeCall
}

func NewManager(store Store, summarizer Summarizer, hub EventBroadcaster, detector *Detector, components Components, opts pipeline.Options) *Manager {
	if detector == nil {
		detector = NewDetector(0)
	}

	m := &Manager{
		store:      store,
		summarizer: summarizer,
		hub:        hub,
		detector:   detector,
		components: components,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}

	detector.OnIdle(m.endIdle)
	return m
}

// StartCall begins a new call, ending the active one first if there is one.
func (m *Manager) StartCall(clientID, userID string) (storage.Call, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if active := m.active(); active != nil {
		if err := m.endLocked(active); err != nil {
			log.Error().Err(err).Str("call_id", active.info.ID).Msg("end previous call failed")
		}
	}

	active, err := m.startLocked(clientID, userID)
	if err != nil {
		return storage.Call{}, err
	}
	return active.info, nil
}

// HandleSegment routes a newly observed segment to the active call.
func (m *Manager) HandleSegment(seg segment.AudioSegment) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	active := m.active()
	if active == nil {
		var err error
		active, err = m.startLocked("", "")
		if err != nil {
			log.Error().Err(err).Str("path", seg.Path).Msg("implicit call start failed, dropping segment")
			return
		}
		log.Info().Str("call_id", active.info.ID).Msg("call started by incoming segment")
	}

	m.detector.OnSegment()
	active.pipeline.Submit(seg)
}

// EndCall drains the active call and closes it. The summary is generated in
// the background.
func (m *Manager) EndCall() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	active := m.active()
	if active == nil {
		return ErrNoActiveCall
	}
	return m.endLocked(active)
}

// ActiveCall reports the call currently in progress.
func (m *Manager) ActiveCall() (storage.Call, bool) {
	if active := m.active(); active != nil {
		return active.info, true
	}
	return storage.Call{}, false
}

// Close ends the active call, if any, without waiting for its summary.
func (m *Manager) Close() {
	if err := m.EndCall(); err != nil && !errors.Is(err, ErrNoActiveCall) {
		log.Error().Err(err).Msg("end call on shutdown failed")
	}
	m.detector.Stop()
}

func (m *Manager) active() *activeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) startLocked(clientID, userID string) (*activeCall, error) {
	startedAt := m.now()
	info := storage.Call{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		UserID:    userID,
		StartedAt: startedAt,
		Status:    storage.CallActive,
	}

	if err := m.store.CreateCall(info); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}

	if m.components.Archive != nil {
		if err := m.components.Archive.StartCall(info.ID); err != nil {
			_ = m.store.EndCall(info.ID, m.now(), "")
			return nil, fmt.Errorf("start call archive: %w", err)
		}
	}

	if err := m.store.SeedNeutral(info.ID, startedAt); err != nil {
		log.Warn().Err(err).Str("call_id", info.ID).Msg("seed neutral results failed")
	}

	opts := m.opts
	opts.OnBatch = m.detector.OnBatch
	deps := pipeline.Deps{
		Transcriber: m.components.Transcriber,
		Classifier:  m.components.Classifier,
		Lines:       m.store,
		Transcripts: m.components.Transcripts,
	}
	if m.components.Archive != nil {
		deps.Archive = m.components.Archive
	}
	if m.components.Scorer != nil {
		deps.Scorer = m.components.Scorer
	}
	if m.hub != nil {
		deps.Events = m.hub
	}

	active := &activeCall{info: info, pipeline: pipeline.New(info.ID, deps, opts)}

	m.mu.Lock()
	m.current = active
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.BroadcastCallStarted(info.ID)
	}
	log.Info().Str("call_id", info.ID).Str("client_id", clientID).Str("user_id", userID).Msg("call started")
	return active, nil
}

func (m *Manager) endLocked(active *activeCall) error {
	callID := active.info.ID

	active.pipeline.Close()
	m.detector.Stop()

	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	if m.components.Scorer != nil {
		m.components.Scorer.ForgetCall(callID)
	}

	audioPath := ""
	if m.components.Archive != nil {
		path, err := m.components.Archive.EndCall()
		if err != nil {
			log.Warn().Err(err).Str("call_id", callID).Msg("encode call audio failed")
		}
		audioPath = path
	}

	endedAt := m.now()
	if err := m.store.EndCall(callID, endedAt, audioPath); err != nil {
		return fmt.Errorf("end call: %w", err)
	}

	if m.hub != nil {
		m.hub.BroadcastCallEnded(callID, endedAt.Sub(active.info.StartedAt))
	}
	log.Info().Str("call_id", callID).Str("audio_path", audioPath).Msg("call ended")

	go m.generateSummary(context.Background(), callID)
	return nil
}

// endIdle ends the active call once its pipeline has nothing in flight.
func (m *Manager) endIdle() {
	active := m.active()
	if active == nil || active.pipeline.Pending() > 0 {
		return
	}
	log.Info().Str("call_id", active.info.ID).Msg("call idle, ending")

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.active() != active {
		return
	}
	if err := m.endLocked(active); err != nil {
		log.Error().Err(err).Str("call_id", active.info.ID).Msg("end idle call failed")
	}
}

func (m *Manager) generateSummary(ctx context.Context, callID string) {
	if m.summarizer == nil {
		_ = m.store.UpdateSummary(callID, "", storage.SummaryCompleted, "")
		return
	}

	_ = m.store.UpdateSummary(callID, "", storage.SummaryRunning, "")

	lines, err := m.store.GetLines(callID)
	if err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("load transcript for summary failed")
		m.failSummary(callID, "")
		return
	}

	var b strings.Builder
	for _, line := range lines {
		if strings.TrimSpace(line.Text) == "" {
			continue
		}
		b.WriteString(line.String())
		b.WriteString("\n")
	}

	summaryText, preset, err := m.summarizer.Summarize(ctx, callID, b.String())
	if err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("summarize call failed")
		m.failSummary(callID, preset)
		return
	}

	if err := m.store.UpdateSummary(callID, summaryText, storage.SummaryCompleted, preset); err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("store summary failed")
		m.failSummary(callID, preset)
		return
	}

	m.broadcastSummaryStatus(callID, summaryText, storage.SummaryCompleted, preset)
}

func (m *Manager) failSummary(callID, preset string) {
	_ = m.store.UpdateSummary(callID, "", storage.SummaryFailed, preset)
	m.broadcastSummaryStatus(callID, "", storage.SummaryFailed, preset)
}

func (m *Manager) broadcastSummaryStatus(callID, summary, status, preset string) {
	if m.hub != nil {
		m.hub.BroadcastSummaryReady(callID, summary, status, preset)
	}
}
