package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/aggregate"
	"github.com/sjawhar/callsense/internal/scores"
)

type Ingest interface {
	AddVideoMetrics(callID, key string, m aggregate.VideoMetrics)
	AddAudioSentiment(callID, key, sentiment string)
}

type ScoreQuerier interface {
	Query(callID, cursor string) (scores.Result, error)
}

type videoAnalysisRequest struct {
	Timestamp string                  `json:"timestamp" validate:"required"`
	Data      *aggregate.VideoMetrics `json:"data" validate:"required"`
	CallID    string                  `json:"call_id"`
}

type transcriptSentimentRequest struct {
	Timestamp string `json:"timestamp" validate:"required"`
	Sentiment string `json:"sentiment" validate:"required"`
	CallID    string `json:"call_id"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// decodeJSON decodes and validates a request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

func registerIngestRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("POST /video-analysis", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ingest == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "aggregation not configured")
			return
		}

		var req videoAnalysisRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		callID, ok := resolveCallID(deps, req.CallID)
		if !ok {
			writeJSONError(w, http.StatusConflict, "no active call")
			return
		}

		log.Debug().Str("call_id", callID).Str("key", req.Timestamp).Msg("video metrics received")
		deps.Ingest.AddVideoMetrics(callID, req.Timestamp, *req.Data)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	mux.HandleFunc("POST /transcript-sentiment", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ingest == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "aggregation not configured")
			return
		}

		var req transcriptSentimentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		callID, ok := resolveCallID(deps, req.CallID)
		if !ok {
			writeJSONError(w, http.StatusConflict, "no active call")
			return
		}

		deps.Ingest.AddAudioSentiment(callID, req.Timestamp, req.Sentiment)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	mux.HandleFunc("GET /api/get-scores", func(w http.ResponseWriter, r *http.Request) {
		if deps.Scores == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "scores not configured")
			return
		}

		q := r.URL.Query()
		callID, ok := resolveCallID(deps, q.Get("callID"))
		if !ok {
			writeJSONError(w, http.StatusBadRequest, scores.ErrMissingCallID.Error())
			return
		}

		result, err := deps.Scores.Query(callID, q.Get("timestamp"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, scores.ErrMissingCallID) || errors.Is(err, scores.ErrInvalidCursor) {
				status = http.StatusBadRequest
			}
			writeJSONError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

// resolveCallID falls back to the active call when the client did not name
// one.
func resolveCallID(deps Deps, callID string) (string, bool) {
	if callID = strings.TrimSpace(callID); callID != "" {
		return callID, true
	}
	if deps.Calls == nil {
		return "", false
	}
	call, ok := deps.Calls.ActiveCall()
	if !ok {
		return "", false
	}
	return call.ID, true
}
