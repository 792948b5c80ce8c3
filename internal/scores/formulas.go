package scores

import (
	"math"
	"slices"
	"strings"
	"time"
)

// Neutral is reported for every score when there is nothing to score.
const Neutral = 50.0

// ResonanceWindow is the bucket width used by CognitiveResonance.
const ResonanceWindow = time.Minute

// VideoObservation is one classified video frame result.
type VideoObservation struct {
	BodyAlignment string    `json:"body_alignment"`
	GazeDirection string    `json:"gaze_direction"`
	Emotion       string    `json:"emotion"`
	Timestamp     time.Time `json:"timestamp"`
}

// AudioObservation is one classified speech window.
type AudioObservation struct {
	Sentiment string    `json:"sentiment"`
	Timestamp time.Time `json:"timestamp"`
}

// Scores holds the four composite scores on a 0-100 scale.
type Scores struct {
	AttentionEconomics   float64 `json:"attentionEconomics"`
	MoodInduction        float64 `json:"moodInduction"`
	ValueInternalization float64 `json:"valueInternalization"`
	CognitiveResonance   float64 `json:"cognitiveResonance"`
}

func NeutralScores() Scores {
	return Scores{Neutral, Neutral, Neutral, Neutral}
}

// Compute evaluates all four formulas over the same observations.
func Compute(video []VideoObservation, audio []AudioObservation) Scores {
	return Scores{
		AttentionEconomics:   AttentionEconomics(video, audio),
		MoodInduction:        MoodInduction(video, audio),
		ValueInternalization: ValueInternalization(video, audio),
		CognitiveResonance:   CognitiveResonance(video, audio),
	}
}

type gaze struct {
	horizontal string
	vertical   string
}

func (g gaze) centered() bool {
	return g.horizontal == "center" && g.vertical == "center"
}

// parseGaze reads directions like "Left-Center" or "Not detected".
func parseGaze(s string) (gaze, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "not detected" {
		return gaze{"unknown", "unknown"}, false
	}
	h, v, ok := strings.Cut(s, "-")
	if !ok {
		v = "unknown"
	}
	return gaze{horizontal: h, vertical: v}, true
}

var (
	attentionSpeech = []string{"admiration", "amusement", "curiosity", "excitement", "joy", "realization", "surprise"}

	moodSpeechPositive = []string{"amusement", "desire", "joy", "love", "relief", "surprise"}
	moodSpeechNegative = []string{"anger", "annoyance", "disgust", "embarrassment", "grief", "nervousness", "sadness"}
	moodFaceNegative   = []string{"anger", "disgust", "fear", "sad"}

	valueSpeechPositive = []string{"admiration", "approval", "caring", "gratitude", "optimism", "pride", "realization", "remorse"}
	valueSpeechNegative = []string{"anger", "annoyance", "confusion", "disappointment", "disapproval", "embarrassment"}
	valueFaceNegative   = []string{"anger", "disgust"}
)

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// pointScore maps a positive/negative tally onto 0-100 around the neutral
// midpoint.
func pointScore(positive, negative float64, total int) float64 {
	if total == 0 {
		return Neutral
	}
	return clamp(Neutral + (positive-negative)/float64(total)*50)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func AttentionEconomics(video []VideoObservation, audio []AudioObservation) float64 {
	var pos, neg float64
	for _, v := range video {
		switch lower(v.BodyAlignment) {
		case "misaligned":
			neg++
		case "no pose detected":
			neg += 1.5
		}
		switch lower(v.Emotion) {
		case "happy", "surprise":
			pos++
		case "fear":
			neg++
		}
	}
	for _, a := range audio {
		if slices.Contains(attentionSpeech, lower(a.Sentiment)) {
			pos++
		}
	}
	return pointScore(pos, neg, len(video)+len(audio))
}

func MoodInduction(video []VideoObservation, audio []AudioObservation) float64 {
	var pos, neg float64
	for _, v := range video {
		if lower(v.BodyAlignment) == "no pose detected" {
			neg++
		}
		if g, ok := parseGaze(v.GazeDirection); !ok || !g.centered() {
			neg += 0.5
		}
		emotion := lower(v.Emotion)
		switch {
		case emotion == "happy" || emotion == "surprise":
			pos++
		case slices.Contains(moodFaceNegative, emotion):
			neg++
		}
	}
	for _, a := range audio {
		s := lower(a.Sentiment)
		switch {
		case slices.Contains(moodSpeechPositive, s):
			pos++
		case slices.Contains(moodSpeechNegative, s):
			neg++
		}
	}
	return pointScore(pos, neg, len(video)+len(audio))
}

func ValueInternalization(video []VideoObservation, audio []AudioObservation) float64 {
	var pos, neg float64
	for _, v := range video {
		if lower(v.BodyAlignment) == "no pose detected" {
			neg += 0.5
		}
		if slices.Contains(valueFaceNegative, lower(v.Emotion)) {
			neg++
		}
	}
	for _, a := range audio {
		s := lower(a.Sentiment)
		switch {
		case slices.Contains(valueSpeechPositive, s):
			pos++
		case slices.Contains(valueSpeechNegative, s):
			neg++
		}
	}
	return pointScore(pos, neg, len(video)+len(audio))
}

type resonanceBucket struct {
	body   map[string]int
	gaze   map[string]int
	face   map[string]int
	speech map[string]int
	points int
}

func newResonanceBucket() *resonanceBucket {
	return &resonanceBucket{
		body:   map[string]int{"aligned": 0, "misaligned": 0, "notdetected": 0},
		gaze:   map[string]int{"center": 0, "away": 0, "notdetected": 0},
		face:   map[string]int{},
		speech: map[string]int{},
	}
}

// dominance is the share of the most frequent category, or 0 when empty.
func dominance(counts map[string]int) float64 {
	var top, total int
	for _, n := range counts {
		total += n
		top = max(top, n)
	}
	if total == 0 {
		return 0
	}
	return float64(top) / float64(total)
}

// CognitiveResonance rewards signals that stay stable within each minute of
// the call, averaged over the minutes that have data.
func CognitiveResonance(video []VideoObservation, audio []AudioObservation) float64 {
	buckets := make(map[int64]*resonanceBucket)
	bucketFor := func(ts time.Time) *resonanceBucket {
		key := ts.UnixMilli() / ResonanceWindow.Milliseconds()
		b, ok := buckets[key]
		if !ok {
			b = newResonanceBucket()
			buckets[key] = b
		}
		return b
	}

	for _, v := range video {
		b := bucketFor(v.Timestamp)
		switch body := lower(v.BodyAlignment); body {
		case "no pose detected":
			b.body["notdetected"]++
		case "":
		default:
			b.body[body]++
		}

		switch g, _ := parseGaze(v.GazeDirection); {
		case lower(v.GazeDirection) == "not detected":
			b.gaze["notdetected"]++
		case g.centered():
			b.gaze["center"]++
		default:
			b.gaze["away"]++
		}

		if e := lower(v.Emotion); e != "" {
			b.face[e]++
		}
		b.points++
	}
	for _, a := range audio {
		b := bucketFor(a.Timestamp)
		if s := lower(a.Sentiment); s != "" {
			b.speech[s]++
		}
		b.points++
	}

	var sum float64
	var n int
	for _, b := range buckets {
		if b.points == 0 {
			continue
		}
		sum += (dominance(b.body) + dominance(b.gaze) + dominance(b.face) + dominance(b.speech)) / 4
		n++
	}
	if n == 0 {
		return Neutral
	}
	return math.Round(sum / float64(n) * 100)
}
