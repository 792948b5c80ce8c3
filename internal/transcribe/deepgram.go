package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/sjawhar/callsense/internal/segment"
)

const (
	DefaultModel      = "nova-2"
	DefaultLanguage   = "en-US"
	DefaultSampleRate = 32000
)

var errMalformedResponse = errors.New("deepgram: malformed response")

type DeepgramOptions struct {
	Model      string
	Language   string
	SampleRate int
}

type streamFunc func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (any, error)

// Deepgram transcribes raw linear16 mono segments with the pre-recorded
// REST API.
type Deepgram struct {
	stream streamFunc
	opts   *interfaces.PreRecordedTranscriptionOptions
}

func NewDeepgram(apiKey string, o DeepgramOptions) *Deepgram {
	c := client.NewREST(apiKey, &interfaces.ClientOptions{})
	dg := api.New(c)

	return newDeepgram(func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (any, error) {
		res, err := dg.FromStream(ctx, src, opts)
		if err != nil {
			return nil, err
		}
		return res, nil
	}, o)
}

func newDeepgram(stream streamFunc, o DeepgramOptions) *Deepgram {
	if strings.TrimSpace(o.Model) == "" {
		o.Model = DefaultModel
	}
	if strings.TrimSpace(o.Language) == "" {
		o.Language = DefaultLanguage
	}
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}

	return &Deepgram{
		stream: stream,
		opts: &interfaces.PreRecordedTranscriptionOptions{
			Model:       o.Model,
			Language:    o.Language,
			SmartFormat: true,
			Punctuate:   true,
			Encoding:    "linear16",
			SampleRate:  o.SampleRate,
			Channels:    1,
		},
	}
}

func (d *Deepgram) Transcribe(ctx context.Context, seg segment.AudioSegment) (*Result, error) {
	data, err := seg.Read()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("segment %s is empty", seg.Path)
	}

	raw, err := d.stream(ctx, bytes.NewReader(data), d.opts)
	if err != nil {
		return nil, fmt.Errorf("deepgram transcribe %s: %w", seg.Path, err)
	}

	res, err := decodeResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("deepgram transcribe %s: %w", seg.Path, err)
	}
	res.Speaker = seg.Speaker
	res.Timestamp = seg.Timestamp
	return res, nil
}

type prerecordedResponse struct {
	Results *struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
				Words      []Word `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// decodeResponse round-trips the SDK response through JSON into the fields
// this package relies on, so a shape mismatch surfaces as an error instead
// of a nil dereference.
func decodeResponse(raw any) (*Result, error) {
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	var resp prerecordedResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	if resp.Results == nil || len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return nil, errMalformedResponse
	}

	alt := resp.Results.Channels[0].Alternatives[0]
	return &Result{
		Transcript: strings.TrimSpace(alt.Transcript),
		Words:      alt.Words,
	}, nil
}
