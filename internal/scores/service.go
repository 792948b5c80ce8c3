package scores

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CursorLayout is the format of the polling cursor handed to clients. It
// carries microseconds to match the precision of stored observations.
const CursorLayout = "2006-01-02 15:04:05.000000"

// secondsLayout also accepts a fractional part when parsing, so it reads both
// whole-second cursors and CursorLayout.
const secondsLayout = "2006-01-02 15:04:05"

// DefaultLookback applies when a client polls without a cursor.
const DefaultLookback = 10 * time.Minute

var (
	ErrMissingCallID = errors.New("callID is required")
	ErrInvalidCursor = errors.New("invalid timestamp cursor")
)

// Store is the persistence the score query needs. Scores cross this
// boundary on the 0-100 scale.
type Store interface {
	VideoResultsSince(callID string, since time.Time) ([]VideoObservation, error)
	AudioResultsSince(callID string, since time.Time) ([]AudioObservation, error)
	LatestAggregate(callID string) (Scores, bool, error)
	AppendAggregate(callID string, at time.Time, s Scores) error
}

// Result is the response to one poll.
type Result struct {
	Scores
	Timestamp        string `json:"timestamp"`
	NewDataProcessed bool   `json:"newDataProcessed"`
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Query scores every observation recorded after cursor. When there is none it
// returns the last persisted scores so clients see a stable value.
func (s *Service) Query(callID, cursor string) (Result, error) {
	if strings.TrimSpace(callID) == "" {
		return Result{}, ErrMissingCallID
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	since, err := ParseCursor(cursor, now)
	if err != nil {
		return Result{}, err
	}

	video, err := s.store.VideoResultsSince(callID, since)
	if err != nil {
		return Result{}, fmt.Errorf("load video results: %w", err)
	}
	audio, err := s.store.AudioResultsSince(callID, since)
	if err != nil {
		return Result{}, fmt.Errorf("load audio results: %w", err)
	}

	res := Result{Timestamp: now.Format(CursorLayout)}
	if len(video) == 0 && len(audio) == 0 {
		last, ok, err := s.store.LatestAggregate(callID)
		if err != nil {
			return Result{}, fmt.Errorf("load last scores: %w", err)
		}
		if !ok {
			last = NeutralScores()
		}
		res.Scores = last
		return res, nil
	}

	res.Scores = Compute(video, audio)
	res.NewDataProcessed = true
	if err := s.store.AppendAggregate(callID, now, res.Scores); err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("scores: store aggregated result")
	}
	log.Debug().Str("call_id", callID).Int("video", len(video)).Int("audio", len(audio)).Msg("scores: processed new observations")
	return res, nil
}

// ParseCursor accepts the cursor layout or RFC 3339. An empty cursor means
// DefaultLookback before now.
func ParseCursor(cursor string, now time.Time) (time.Time, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return now.Add(-DefaultLookback), nil
	}
	if t, err := time.Parse(secondsLayout, cursor); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, cursor)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q", ErrInvalidCursor, cursor)
	}
	return t.UTC(), nil
}
