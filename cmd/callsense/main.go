package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/aggregate"
	"github.com/sjawhar/callsense/internal/audio"
	"github.com/sjawhar/callsense/internal/config"
	"github.com/sjawhar/callsense/internal/gdrive"
	"github.com/sjawhar/callsense/internal/llm"
	"github.com/sjawhar/callsense/internal/pairing"
	"github.com/sjawhar/callsense/internal/pipeline"
	"github.com/sjawhar/callsense/internal/scores"
	"github.com/sjawhar/callsense/internal/segment"
	"github.com/sjawhar/callsense/internal/sentiment"
	"github.com/sjawhar/callsense/internal/server"
	"github.com/sjawhar/callsense/internal/session"
	"github.com/sjawhar/callsense/internal/storage"
	"github.com/sjawhar/callsense/internal/summary"
	"github.com/sjawhar/callsense/internal/transcribe"
	"github.com/sjawhar/callsense/internal/watch"
)

// pauseState gates segment intake while the operator has paused capture.
type pauseState struct {
	mu     sync.RWMutex
	paused bool
}

func (p *pauseState) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *pauseState) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

func (p *pauseState) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func setupLogging(cfg config.Log) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func main() {
	if err := config.LoadDotEnv(os.Getenv("CALLSENSE_DOTENV")); err != nil {
		log.Warn().Err(err).Msg("dotenv not loaded")
	}

	configPath := os.Getenv("CALLSENSE_CONFIG")
	if configPath == "" {
		configPath = "callsense.yaml"
	}
	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg.Log)
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	log.Info().Str("config", configPath).Msg("callsense: starting")

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("storage init failed")
	}
	defer func() { _ = store.Close() }()

	transcripts := storage.NewWriter(cfg.TranscriptsDir)
	archive := audio.NewArchive(cfg.AudioDir, cfg.SampleRate)
	hub := server.NewHub()

	factory := func(provider, model string) (llm.Client, error) {
		return llm.NewClient(provider, cfg.APIKey(provider), model)
	}
	deterministic := func(provider, model string) (llm.Client, error) {
		return llm.NewClient(provider, cfg.APIKey(provider), model, llm.WithTemperature(0))
	}

	classifier := buildClassifier(cfg)

	var transcriber transcribe.Transcriber
	if cfg.DeepgramAPIKey != "" {
		transcriber = transcribe.NewDeepgram(cfg.DeepgramAPIKey, transcribe.DeepgramOptions{
			Model:      cfg.DeepgramModel,
			Language:   cfg.DeepgramLanguage,
			SampleRate: cfg.SampleRate,
		})
	}

	aggregator := aggregate.New(cfg.ParsedAggregationDelay(), store, hub.BroadcastScores)
	defer aggregator.Close()
	scoreService := scores.NewService(store)

	summarizer := summary.New(cfg.Summarization, factory, summary.WithIdempotency(store))
	analyzer := summary.NewAnalyzer(cfg.AnalysisModel, deterministic)

	components := session.Components{
		Transcriber: transcriber,
		Transcripts: transcripts,
		Archive:     archive,
		Scorer:      aggregator,
	}
	if classifier != nil {
		components.Classifier = classifier
	}

	manager := session.NewManager(store, summarizer, hub, session.NewDetector(cfg.ParsedIdleTimeout()), components, pipeline.Options{
		Pairing: pairing.Options{
			Timeout:           cfg.ParsedPairTimeout(),
			TranscribeTimeout: cfg.ParsedTranscribeTimeout(),
			MaxInFlight:       cfg.MaxInFlight,
		},
		WindowSize: cfg.WindowSize,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pause := &pauseState{}
	handleSegment := func(seg segment.AudioSegment) {
		if pause.IsPaused() {
			log.Debug().Str("path", seg.Path).Msg("capture paused, segment dropped")
			return
		}
		if transcriber == nil {
			log.Warn().Str("path", seg.Path).Msg("no transcriber configured, segment dropped")
			return
		}
		manager.HandleSegment(seg)
	}

	watcher := watch.New(cfg.RecordingsDir, handleSegment, watch.Options{
		Settle:       cfg.ParsedSettleDelay(),
		PollInterval: cfg.ParsedPollInterval(),
		ScanExisting: cfg.ScanExisting,
	})
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("path", cfg.RecordingsDir).Msg("segment watcher stopped")
		}
	}()

	if cfg.GDriveFolderID != "" {
		syncer, err := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			log.Warn().Err(err).Msg("gdrive sync disabled")
		} else {
			go syncer.Run(ctx, gdrive.DefaultInterval, func() (string, string, bool) {
				call, ok := manager.ActiveCall()
				if !ok {
					return "", "", false
				}
				return call.ID, transcripts.Path(call.ID), true
			})
		}
	}

	controls := server.ControlHooks{
		Pause:    pause.Pause,
		Resume:   pause.Resume,
		IsPaused: pause.IsPaused,
		OnStatusChanged: func(paused bool) {
			hub.BroadcastStatusChanged(paused)
		},
		Warnings: func() []string { return warnings },
		Presets:  summarizer.Presets,
		Resummarize: func(ctx context.Context, callID, preset string) error {
			return resummarize(ctx, store, summarizer, hub, callID, preset)
		},
		Analyze: analyzer.AnalyzeAccomplishments,
	}

	deps := server.Deps{
		Store:    store,
		Calls:    manager,
		Ingest:   aggregator,
		Scores:   scoreService,
		Controls: controls,
	}
	if err := server.Serve(ctx, cfg.ListenAddr, hub, deps); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("http server error")
	}

	log.Info().Msg("callsense: shutting down")
	manager.Close()
}

func buildClassifier(cfg config.Config) sentiment.Classifier {
	switch cfg.Classifier.Backend {
	case "llm":
		client, err := llm.Resolve(cfg.Classifier.Model, cfg.APIKey, llm.WithTemperature(0), llm.WithMaxTokens(16))
		if err != nil {
			log.Warn().Err(err).Msg("sentiment classifier disabled")
			return nil
		}
		return sentiment.NewLLMClassifier(client)
	default:
		if cfg.Classifier.URL == "" {
			return nil
		}
		c, err := sentiment.NewHTTPClassifier(cfg.Classifier.URL, 30*time.Second)
		if err != nil {
			log.Warn().Err(err).Msg("sentiment classifier disabled")
			return nil
		}
		return c
	}
}

func resummarize(ctx context.Context, store *storage.SQLiteStore, s *summary.Summarizer, hub *server.Hub, callID, preset string) error {
	if preset == "" {
		preset = "default"
	}
	lines, err := store.GetLines(callID)
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line.String())
		b.WriteByte('\n')
	}

	_ = store.UpdateSummary(callID, "", storage.SummaryRunning, preset)
	hub.BroadcastSummaryReady(callID, "", storage.SummaryRunning, preset)

	text, err := s.SummarizeWithPreset(ctx, callID, b.String(), preset)
	if err != nil {
		_ = store.UpdateSummary(callID, "", storage.SummaryFailed, preset)
		hub.BroadcastSummaryReady(callID, "", storage.SummaryFailed, preset)
		return err
	}

	if err := store.UpdateSummary(callID, text, storage.SummaryCompleted, preset); err != nil {
		return err
	}
	hub.BroadcastSummaryReady(callID, text, storage.SummaryCompleted, preset)
	return nil
}
