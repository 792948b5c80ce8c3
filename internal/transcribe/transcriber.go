package transcribe

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/segment"
)

type Transcriber interface {
	Transcribe(ctx context.Context, seg segment.AudioSegment) (*Result, error)
}

// Run transcribes seg and turns any failure into a nil result so callers can
// treat it as an empty contribution.
func Run(ctx context.Context, t Transcriber, seg segment.AudioSegment) *Result {
	if t == nil {
		return nil
	}
	res, err := t.Transcribe(ctx, seg)
	if err != nil {
		log.Warn().Err(err).
			Str("path", seg.Path).
			Str("speaker", seg.Speaker.String()).
			Str("key", seg.Timestamp).
			Msg("transcription failed, dropping segment")
		return nil
	}
	return res
}
