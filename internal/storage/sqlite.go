package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/callsense/internal/scores"
	"github.com/sjawhar/callsense/internal/segment"
	"github.com/sjawhar/callsense/internal/transcribe"
)

const (
	SummaryPending   = "pending"
	SummaryRunning   = "running"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"

	CallActive = "active"
	CallEnded  = "ended"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

type Call struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id"`
	UserID         string     `json:"user_id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Status         string     `json:"status"`
	Summary        string     `json:"summary"`
	SummaryStatus  string     `json:"summary_status"`
	SummaryPreset  string     `json:"summary_preset"`
	TranscriptPath string     `json:"transcript_path"`
	AudioPath      string     `json:"audio_path"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "callsense.db")
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

var schema = []struct {
	name string
	stmt string
}{
	{"calls table", `
		CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			summary_status TEXT NOT NULL DEFAULT 'pending',
			summary_preset TEXT NOT NULL DEFAULT '',
			transcript_path TEXT NOT NULL DEFAULT '',
			audio_path TEXT NOT NULL DEFAULT ''
		)`},
	{"transcript_lines table", `
		CREATE TABLE IF NOT EXISTS transcript_lines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			segment_key TEXT NOT NULL,
			speaker TEXT NOT NULL,
			clock TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(call_id) REFERENCES calls(id) ON DELETE CASCADE
		)`},
	{"video_results table", `
		CREATE TABLE IF NOT EXISTS video_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			body_alignment TEXT NOT NULL,
			gaze_direction TEXT NOT NULL,
			emotion TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`},
	{"audio_results table", `
		CREATE TABLE IF NOT EXISTS audio_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			sentiment TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`},
	{"aggregated_results table", `
		CREATE TABLE IF NOT EXISTS aggregated_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			attention_economics REAL NOT NULL,
			mood_induction REAL NOT NULL,
			value_internalization REAL NOT NULL,
			cognitive_resonance REAL NOT NULL
		)`},
	{"summary_requests table", `
		CREATE TABLE IF NOT EXISTS summary_requests (
			call_id TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(call_id, prompt_hash)
		)`},
	{"calls index", "CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at)"},
	{"lines index", "CREATE INDEX IF NOT EXISTS idx_lines_call_id ON transcript_lines(call_id, id)"},
	{"video index", "CREATE INDEX IF NOT EXISTS idx_video_call_ts ON video_results(call_id, timestamp)"},
	{"audio index", "CREATE INDEX IF NOT EXISTS idx_audio_call_ts ON audio_results(call_id, timestamp)"},
	{"aggregated index", "CREATE INDEX IF NOT EXISTS idx_aggregated_call_ts ON aggregated_results(call_id, timestamp)"},
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	for _, st := range schema {
		if _, err := s.db.Exec(st.stmt); err != nil {
			return fmt.Errorf("create %s: %w", st.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}

func (s *SQLiteStore) CreateCall(c Call) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("call id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO calls(id, client_id, user_id, started_at, status, summary_status, transcript_path)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.ClientID,
		c.UserID,
		formatTime(c.StartedAt),
		CallActive,
		SummaryPending,
		c.TranscriptPath,
	)
	if err != nil {
		return fmt.Errorf("create call %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) EndCall(id string, endedAt time.Time, audioPath string) error {
	res, err := s.db.Exec(
		`UPDATE calls SET ended_at = ?, status = ?, audio_path = ? WHERE id = ?`,
		formatTime(endedAt),
		CallEnded,
		audioPath,
		id,
	)
	if err != nil {
		return fmt.Errorf("end call %s: %w", id, err)
	}
	return expectRow(res, "end call")
}

func (s *SQLiteStore) UpdateSummary(callID, summary, status, preset string) error {
	res, err := s.db.Exec(
		`UPDATE calls SET summary = ?, summary_status = ?, summary_preset = ? WHERE id = ?`,
		summary,
		status,
		preset,
		callID,
	)
	if err != nil {
		return fmt.Errorf("update summary for call %s: %w", callID, err)
	}
	return expectRow(res, "update summary")
}

func (s *SQLiteStore) ClaimSummaryRequest(callID, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO summary_requests(call_id, prompt_hash) VALUES(?, ?)`,
		callID,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim summary request for call %s: %w", callID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim summary rows affected: %w", err)
	}
	return rows > 0, nil
}

const callColumns = `id, client_id, user_id, started_at, ended_at, status, summary, summary_status, summary_preset, transcript_path, audio_path`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var c Call
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&c.ID, &c.ClientID, &c.UserID, &startedAt, &endedAt, &c.Status,
		&c.Summary, &c.SummaryStatus, &c.SummaryPreset, &c.TranscriptPath, &c.AudioPath); err != nil {
		return Call{}, err
	}

	t, err := parseTime(startedAt)
	if err != nil {
		return Call{}, fmt.Errorf("parse started_at of call %s: %w", c.ID, err)
	}
	c.StartedAt = t

	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return Call{}, fmt.Errorf("parse ended_at of call %s: %w", c.ID, err)
		}
		c.EndedAt = &t
	}
	return c, nil
}

func (s *SQLiteStore) GetCall(id string) (Call, error) {
	c, err := scanCall(s.db.QueryRow(`SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if err != nil {
		return Call{}, fmt.Errorf("query call %s: %w", id, err)
	}
	return c, nil
}

// LatestCall returns the most recently started call.
func (s *SQLiteStore) LatestCall() (Call, error) {
	c, err := scanCall(s.db.QueryRow(`SELECT ` + callColumns + ` FROM calls ORDER BY started_at DESC LIMIT 1`))
	if err != nil {
		return Call{}, fmt.Errorf("query latest call: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetCallsByDate(date string) ([]Call, error) {
	rows, err := s.db.Query(
		`SELECT `+callColumns+` FROM calls WHERE substr(started_at, 1, 10) = ? ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	calls := make([]Call, 0, 16)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return calls, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM calls ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}
	return dates, nil
}

func (s *SQLiteStore) AppendLine(callID, key string, line transcribe.Line) error {
	_, err := s.db.Exec(
		`INSERT INTO transcript_lines(call_id, segment_key, speaker, clock, text, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		callID,
		key,
		line.Speaker.String(),
		line.Clock,
		strings.TrimSpace(line.Text),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("append line for call %s: %w", callID, err)
	}
	return nil
}

func (s *SQLiteStore) GetLines(callID string) ([]transcribe.Line, error) {
	rows, err := s.db.Query(
		`SELECT speaker, clock, text FROM transcript_lines WHERE call_id = ? ORDER BY id ASC`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("query lines for call %s: %w", callID, err)
	}
	defer func() { _ = rows.Close() }()

	lines := make([]transcribe.Line, 0, 64)
	for rows.Next() {
		var l transcribe.Line
		var speaker string
		if err := rows.Scan(&speaker, &l.Clock, &l.Text); err != nil {
			return nil, fmt.Errorf("scan line for call %s: %w", callID, err)
		}
		if l.Speaker, err = segment.ParseSpeaker(speaker); err != nil {
			return nil, fmt.Errorf("line for call %s: %w", callID, err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lines for call %s: %w", callID, err)
	}
	return lines, nil
}

func (s *SQLiteStore) AppendVideoResult(callID string, obs scores.VideoObservation) error {
	_, err := s.db.Exec(
		`INSERT INTO video_results(call_id, body_alignment, gaze_direction, emotion, timestamp) VALUES(?, ?, ?, ?, ?)`,
		callID, obs.BodyAlignment, obs.GazeDirection, obs.Emotion, formatTime(obs.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append video result for call %s: %w", callID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendAudioResult(callID string, obs scores.AudioObservation) error {
	_, err := s.db.Exec(
		`INSERT INTO audio_results(call_id, sentiment, timestamp) VALUES(?, ?, ?)`,
		callID, obs.Sentiment, formatTime(obs.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append audio result for call %s: %w", callID, err)
	}
	return nil
}

func (s *SQLiteStore) VideoResultsSince(callID string, since time.Time) ([]scores.VideoObservation, error) {
	rows, err := s.db.Query(
		`SELECT body_alignment, gaze_direction, emotion, timestamp FROM video_results
		 WHERE call_id = ? AND timestamp > ? ORDER BY timestamp DESC`,
		callID, formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query video results for call %s: %w", callID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []scores.VideoObservation
	for rows.Next() {
		var obs scores.VideoObservation
		var ts string
		if err := rows.Scan(&obs.BodyAlignment, &obs.GazeDirection, &obs.Emotion, &ts); err != nil {
			return nil, fmt.Errorf("scan video result: %w", err)
		}
		if obs.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse video result timestamp: %w", err)
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate video results: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AudioResultsSince(callID string, since time.Time) ([]scores.AudioObservation, error) {
	rows, err := s.db.Query(
		`SELECT sentiment, timestamp FROM audio_results
		 WHERE call_id = ? AND timestamp > ? ORDER BY timestamp DESC`,
		callID, formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query audio results for call %s: %w", callID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []scores.AudioObservation
	for rows.Next() {
		var obs scores.AudioObservation
		var ts string
		if err := rows.Scan(&obs.Sentiment, &ts); err != nil {
			return nil, fmt.Errorf("scan audio result: %w", err)
		}
		if obs.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse audio result timestamp: %w", err)
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audio results: %w", err)
	}
	return out, nil
}

// AppendAggregate stores scores on the 0-1 scale used by the table.
func (s *SQLiteStore) AppendAggregate(callID string, at time.Time, sc scores.Scores) error {
	_, err := s.db.Exec(
		`INSERT INTO aggregated_results(call_id, timestamp, attention_economics, mood_induction, value_internalization, cognitive_resonance)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		callID,
		formatTime(at),
		sc.AttentionEconomics/100,
		sc.MoodInduction/100,
		sc.ValueInternalization/100,
		sc.CognitiveResonance/100,
	)
	if err != nil {
		return fmt.Errorf("append aggregate for call %s: %w", callID, err)
	}
	return nil
}

// LatestAggregate returns the newest stored scores on the 0-100 scale.
func (s *SQLiteStore) LatestAggregate(callID string) (scores.Scores, bool, error) {
	var sc scores.Scores
	err := s.db.QueryRow(
		`SELECT attention_economics, mood_induction, value_internalization, cognitive_resonance
		 FROM aggregated_results WHERE call_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		callID,
	).Scan(&sc.AttentionEconomics, &sc.MoodInduction, &sc.ValueInternalization, &sc.CognitiveResonance)
	if errors.Is(err, sql.ErrNoRows) {
		return scores.Scores{}, false, nil
	}
	if err != nil {
		return scores.Scores{}, false, fmt.Errorf("query latest aggregate for call %s: %w", callID, err)
	}

	sc.AttentionEconomics *= 100
	sc.MoodInduction *= 100
	sc.ValueInternalization *= 100
	sc.CognitiveResonance *= 100
	return sc, true, nil
}

// SeedNeutral records neutral audio and video rows so a new call has a
// baseline for scoring.
func (s *SQLiteStore) SeedNeutral(callID string, at time.Time) error {
	if err := s.AppendAudioResult(callID, scores.AudioObservation{Sentiment: "neutral", Timestamp: at}); err != nil {
		return err
	}
	return s.AppendVideoResult(callID, scores.VideoObservation{
		BodyAlignment: "Aligned",
		GazeDirection: "Center-Center",
		Emotion:       "neutral",
		Timestamp:     at,
	})
}

func expectRow(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
