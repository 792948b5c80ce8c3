package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/session"
	"github.com/sjawhar/callsense/internal/storage"
	"github.com/sjawhar/callsense/internal/transcribe"
)

var callIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type CallStore interface {
	GetCallsByDate(date string) ([]storage.Call, error)
	GetCall(id string) (storage.Call, error)
	LatestCall() (storage.Call, error)
	GetLines(callID string) ([]transcribe.Line, error)
	GetDates() ([]string, error)
}

type CallControl interface {
	StartCall(clientID, userID string) (storage.Call, error)
	EndCall() error
	ActiveCall() (storage.Call, bool)
}

type startCallRequest struct {
	ClientID string `json:"clientID"`
	UserID   string `json:"userID"`
}

type analyzeRequest struct {
	CallID string   `json:"callID"`
	Tasks  []string `json:"tasks" validate:"required,min=1,dive,required"`
}

func registerAPIRoutes(mux *http.ServeMux, deps Deps) {
	store := deps.Store
	controls := deps.Controls

	mux.HandleFunc("POST /api/start-call", func(w http.ResponseWriter, r *http.Request) {
		if deps.Calls == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "call control not configured")
			return
		}

		var req startCallRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		call, err := deps.Calls.StartCall(req.ClientID, req.UserID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("start call: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"callID": call.ID, "call": call})
	})

	mux.HandleFunc("POST /api/end-call", func(w http.ResponseWriter, r *http.Request) {
		if deps.Calls == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "call control not configured")
			return
		}

		if err := deps.Calls.EndCall(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, session.ErrNoActiveCall) {
				status = http.StatusConflict
			}
			writeJSONError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	mux.HandleFunc("GET /api/calls", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		calls, err := store.GetCallsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list calls: %v", err))
			return
		}
		if calls == nil {
			calls = []storage.Call{}
		}
		writeJSON(w, http.StatusOK, calls)
	})

	mux.HandleFunc("GET /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		callID := r.PathValue("id")
		if !validCallID(callID) {
			writeJSONError(w, http.StatusForbidden, "invalid call id")
			return
		}

		call, err := store.GetCall(callID)
		if err != nil {
			writeJSONError(w, notFoundOr500(err), fmt.Sprintf("get call: %v", err))
			return
		}

		lines, err := store.GetLines(callID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get call lines: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, callDetail(call, lines))
	})

	mux.HandleFunc("GET /api/calls/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		callID := r.PathValue("id")
		if !validCallID(callID) {
			writeJSONError(w, http.StatusForbidden, "invalid call id")
			return
		}

		call, err := store.GetCall(callID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "call not found")
			return
		}

		if call.AudioPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath := filepath.Clean(call.AudioPath)
		if filepath.IsAbs(cleanPath) || cleanPath == "." || strings.Contains(cleanPath, "..") {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", contentTypeForAudio(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("POST /api/calls/{id}/resummarize", func(w http.ResponseWriter, r *http.Request) {
		callID := r.PathValue("id")
		if !validCallID(callID) {
			writeJSONError(w, http.StatusForbidden, "invalid call id")
			return
		}
		if controls.Resummarize == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "summaries not configured")
			return
		}

		var req struct {
			Preset string `json:"preset"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
			return
		}

		go func() {
			if err := controls.Resummarize(context.WithoutCancel(r.Context()), callID, req.Preset); err != nil {
				log.Error().Err(err).Str("call_id", callID).Msg("resummarize failed")
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /api/latest-transcript", func(w http.ResponseWriter, r *http.Request) {
		call, err := currentOrLatest(deps)
		if err != nil {
			writeJSONError(w, notFoundOr500(err), fmt.Sprintf("latest call: %v", err))
			return
		}

		lines, err := store.GetLines(call.ID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get call lines: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, callDetail(call, lines))
	})

	mux.HandleFunc("POST /api/analyze-accomplishments", func(w http.ResponseWriter, r *http.Request) {
		if controls.Analyze == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "analysis not configured")
			return
		}

		var req analyzeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		var call storage.Call
		var err error
		if req.CallID != "" {
			call, err = store.GetCall(req.CallID)
		} else {
			call, err = currentOrLatest(deps)
		}
		if err != nil {
			writeJSONError(w, notFoundOr500(err), fmt.Sprintf("get call: %v", err))
			return
		}

		lines, err := store.GetLines(call.ID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get call lines: %v", err))
			return
		}

		result, err := controls.Analyze(r.Context(), transcriptText(lines), req.Tasks)
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("analyze accomplishments: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})

	mux.HandleFunc("GET /api/presets", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]string{}
		if controls.Presets != nil {
			for name, preset := range controls.Presets() {
				out[name] = preset.Description
			}
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("POST /api/pause", func(w http.ResponseWriter, r *http.Request) {
		if controls.Pause != nil {
			controls.Pause()
		}
		if controls.OnStatusChanged != nil {
			controls.OnStatusChanged(true)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/resume", func(w http.ResponseWriter, r *http.Request) {
		if controls.Resume != nil {
			controls.Resume()
		}
		if controls.OnStatusChanged != nil {
			controls.OnStatusChanged(false)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		paused := false
		if controls.IsPaused != nil {
			paused = controls.IsPaused()
		}
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}

		var active any
		if deps.Calls != nil {
			if call, ok := deps.Calls.ActiveCall(); ok {
				active = call
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"paused": paused, "warnings": warnings, "activeCall": active})
	})
}

func callDetail(call storage.Call, lines []transcribe.Line) map[string]any {
	if lines == nil {
		lines = []transcribe.Line{}
	}
	return map[string]any{
		"call":  call,
		"lines": lines,
	}
}

func currentOrLatest(deps Deps) (storage.Call, error) {
	if deps.Calls != nil {
		if call, ok := deps.Calls.ActiveCall(); ok {
			return call, nil
		}
	}
	return deps.Store.LatestCall()
}

func transcriptText(lines []transcribe.Line) string {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func notFoundOr500(err error) int {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func validCallID(id string) bool {
	return callIDPattern.MatchString(id)
}

func contentTypeForAudio(path string) string {
	switch filepath.Ext(path) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
