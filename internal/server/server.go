package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/config"
	"github.com/sjawhar/callsense/internal/summary"
)

type ControlHooks struct {
	Pause           func()
	Resume          func()
	IsPaused        func() bool
	OnStatusChanged func(paused bool)
	Warnings        func() []string
	Presets         func() map[string]config.Preset
	Resummarize     func(ctx context.Context, callID, preset string) error
	Analyze         func(ctx context.Context, transcript string, tasks []string) (summary.Accomplishments, error)
}

// Deps are the collaborators behind the HTTP surface. Calls, Ingest and
// Scores may be nil, in which case their routes answer 503.
type Deps struct {
	Store    CallStore
	Calls    CallControl
	Ingest   Ingest
	Scores   ScoreQuerier
	Controls ControlHooks
}

func Handler(hub *Hub, deps Deps) http.Handler {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerIngestRoutes(mux, deps)
	registerAPIRoutes(mux, deps)

	return logRequests(mux)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, addr string, hub *Hub, deps Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(hub, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
