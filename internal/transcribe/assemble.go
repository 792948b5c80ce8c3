package transcribe

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sjawhar/callsense/internal/segment"
)

type Word struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
}

// Text prefers the punctuated form when the service returned one.
func (w Word) Text() string {
	if w.PunctuatedWord != "" {
		return w.PunctuatedWord
	}
	return w.Word
}

// Result is the transcription of one audio segment.
type Result struct {
	Speaker    segment.Speaker `json:"speaker"`
	Timestamp  string          `json:"timestamp"`
	Transcript string          `json:"transcript"`
	Words      []Word          `json:"words"`
}

// Line is one speaker-attributed transcript line.
type Line struct {
	Speaker segment.Speaker `json:"speaker"`
	Clock   string          `json:"clock"`
	Text    string          `json:"text"`
}

func (l Line) String() string {
	return fmt.Sprintf("[%s] %s: %s", l.Clock, l.Speaker, strings.TrimSpace(l.Text))
}

// ClockTime formats a word offset as HH:MM:SS past midnight. Offsets are
// relative to the segment, so clocks from different segments are not
// comparable in wall time.
func ClockTime(offset float64) string {
	if offset < 0 {
		offset = 0
	}
	d := time.Duration(offset * float64(time.Second))
	return time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(d).Format("15:04:05")
}

type entry struct {
	speaker segment.Speaker
	clock   string
	word    string
}

// Assemble merges the words of all non-nil results into lines sorted by
// clock time. Consecutive words sharing speaker and clock collapse into a
// single line.
func Assemble(results ...*Result) []Line {
	var entries []entry
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, w := range r.Words {
			text := strings.TrimSpace(w.Text())
			if text == "" {
				continue
			}
			entries = append(entries, entry{speaker: r.Speaker, clock: ClockTime(w.Start), word: text})
		}
	}
	if len(entries) == 0 {
		return nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].clock < entries[j].clock
	})

	lines := make([]Line, 0, len(entries))
	current := Line{Speaker: entries[0].speaker, Clock: entries[0].clock, Text: entries[0].word}
	for _, e := range entries[1:] {
		if e.speaker == current.Speaker && e.clock == current.Clock {
			current.Text += " " + e.word
			continue
		}
		lines = append(lines, current)
		current = Line{Speaker: e.speaker, Clock: e.clock, Text: e.word}
	}
	lines = append(lines, current)

	return lines
}
