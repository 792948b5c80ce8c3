package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrMalformedName is returned when a file name does not encode a speaker
// and a timestamp.
var ErrMalformedName = errors.New("malformed segment file name")

type Speaker int

const (
	Host Speaker = iota
	Client
)

func (s Speaker) String() string {
	switch s {
	case Host:
		return "Host"
	case Client:
		return "Client"
	default:
		return fmt.Sprintf("Speaker(%d)", int(s))
	}
}

// Other returns the partner channel.
func (s Speaker) Other() Speaker {
	if s == Host {
		return Client
	}
	return Host
}

func (s Speaker) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Speaker) UnmarshalText(b []byte) error {
	v, err := ParseSpeaker(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSpeaker accepts "host" or "client" in any case.
func ParseSpeaker(name string) (Speaker, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "host":
		return Host, nil
	case "client":
		return Client, nil
	default:
		return 0, fmt.Errorf("unknown speaker %q", name)
	}
}

// AudioSegment is one fixed-duration raw PCM file captured for a single
// speaker channel. The bytes are read lazily.
type AudioSegment struct {
	Path      string
	Speaker   Speaker
	Timestamp string
}

// Parse derives the speaker and timestamp key from a path whose base name
// has the form <speaker>_<timestamp>.<ext>.
func Parse(path string) (AudioSegment, error) {
	base := filepath.Base(path)
	prefix, rest, ok := strings.Cut(base, "_")
	if !ok {
		return AudioSegment{}, fmt.Errorf("%w: %q", ErrMalformedName, base)
	}

	speaker, err := ParseSpeaker(prefix)
	if err != nil {
		return AudioSegment{}, fmt.Errorf("%w: unknown speaker prefix %q", ErrMalformedName, prefix)
	}

	ts := strings.TrimSuffix(rest, filepath.Ext(rest))
	if strings.TrimSpace(ts) == "" {
		return AudioSegment{}, fmt.Errorf("%w: empty timestamp in %q", ErrMalformedName, base)
	}

	return AudioSegment{Path: path, Speaker: speaker, Timestamp: ts}, nil
}

func (s AudioSegment) Read() ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read segment %s: %w", s.Path, err)
	}
	return data, nil
}
