package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/sjawhar/callsense/internal/aggregate"
	"github.com/sjawhar/callsense/internal/scores"
)

type ingestStub struct {
	mu        sync.Mutex
	video     map[string]aggregate.VideoMetrics
	sentiment map[string]string
}

func newIngestStub() *ingestStub {
	return &ingestStub{video: map[string]aggregate.VideoMetrics{}, sentiment: map[string]string{}}
}

func (s *ingestStub) AddVideoMetrics(callID, key string, m aggregate.VideoMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video[callID+"/"+key] = m
}

func (s *ingestStub) AddAudioSentiment(callID, key, sentiment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentiment[callID+"/"+key] = sentiment
}

type scoreStub struct {
	gotCallID string
	gotCursor string
	err       error
}

func (s *scoreStub) Query(callID, cursor string) (scores.Result, error) {
	s.gotCallID = callID
	s.gotCursor = cursor
	if s.err != nil {
		return scores.Result{}, s.err
	}
	return scores.Result{}, nil
}

const videoBody = `{"timestamp":"1700","call_id":"c1","data":{"posture":{"result":"Aligned"},"gaze":{"horizontal":"Center","vertical":"Center"},"emotion":"happy"}}`

func TestVideoAnalysisAccepted(t *testing.T) {
	ingest := newIngestStub()
	h := Handler(NewHub(), Deps{Store: newAPIStoreStub(), Ingest: ingest})

	rr := serve(t, h, http.MethodPost, "/video-analysis", videoBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != `{"success":true}` {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
	m, ok := ingest.video["c1/1700"]
	if !ok || m.Posture.Result != "Aligned" || m.Emotion != "happy" {
		t.Fatalf("expected metrics recorded, got %+v", ingest.video)
	}
}

func TestVideoAnalysisValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing timestamp", `{"call_id":"c1","data":{"emotion":"happy"}}`},
		{"missing data", `{"timestamp":"1","call_id":"c1"}`},
		{"missing posture result", `{"timestamp":"1","call_id":"c1","data":{"posture":{"angle":3},"emotion":"happy"}}`},
		{"bad json", `{"timestamp":`},
	}

	h := Handler(NewHub(), Deps{Store: newAPIStoreStub(), Ingest: newIngestStub()})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := serve(t, h, http.MethodPost, "/video-analysis", tt.body); rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestTranscriptSentimentUsesActiveCall(t *testing.T) {
	ingest := newIngestStub()
	calls := &callControlStub{}
	h := Handler(NewHub(), Deps{Store: newAPIStoreStub(), Calls: calls, Ingest: ingest})

	body := `{"timestamp":"42","sentiment":"joy"}`
	if rr := serve(t, h, http.MethodPost, "/transcript-sentiment", body); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 without active call, got %d", rr.Code)
	}

	_, _ = calls.StartCall("acme", "")
	if rr := serve(t, h, http.MethodPost, "/transcript-sentiment", body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := ingest.sentiment["call-acme/42"]; got != "joy" {
		t.Fatalf("expected sentiment routed to active call, got %v", ingest.sentiment)
	}
}

func TestIngestNotConfigured(t *testing.T) {
	h := Handler(NewHub(), Deps{Store: newAPIStoreStub()})
	if rr := serve(t, h, http.MethodPost, "/video-analysis", videoBody); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestGetScores(t *testing.T) {
	querier := &scoreStub{}
	h := Handler(NewHub(), Deps{Store: newAPIStoreStub(), Scores: querier})

	rr := serve(t, h, http.MethodGet, "/api/get-scores?callID=c1&timestamp=2026-03-02+15:00:00", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if querier.gotCallID != "c1" || querier.gotCursor != "2026-03-02 15:00:00" {
		t.Fatalf("unexpected query %q %q", querier.gotCallID, querier.gotCursor)
	}

	if rr := serve(t, h, http.MethodGet, "/api/get-scores", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without call id, got %d", rr.Code)
	}
}

func TestGetScoresErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid cursor", scores.ErrInvalidCursor, http.StatusBadRequest},
		{"store failure", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Handler(NewHub(), Deps{Store: newAPIStoreStub(), Scores: &scoreStub{err: tt.err}})
			if rr := serve(t, h, http.MethodGet, "/api/get-scores?callID=c1&timestamp=x", ""); rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
		})
	}
}
