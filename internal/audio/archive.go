package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sjawhar/callsense/internal/segment"
)

const (
	DefaultSampleRate = 32000
	pcmChannels       = 1
	pcmBitDepth       = 16
)

// Archive keeps a mono recording of the active call. Paired segments are
// mixed down before they are appended so each key contributes one slice of
// audio.
type Archive struct {
	audioDir   string
	sampleRate int

	mu      sync.Mutex
	callID  string
	rawPath string
	rawFile *os.File

	encode func(rawPath, callID string) (string, error)
}

func NewArchive(audioDir string, sampleRate int) *Archive {
	if audioDir == "" {
		audioDir = filepath.Join("data", "audio")
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	a := &Archive{audioDir: audioDir, sampleRate: sampleRate}
	a.encode = a.defaultEncode
	return a
}

func (a *Archive) StartCall(callID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.audioDir, 0o755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}

	if a.rawFile != nil {
		_ = a.rawFile.Close()
	}

	rawPath := filepath.Join(a.audioDir, callID+".pcm")
	rawFile, err := os.OpenFile(rawPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open raw pcm file: %w", err)
	}

	a.callID = callID
	a.rawPath = rawPath
	a.rawFile = rawFile
	return nil
}

// AppendBatch reads the segments of one key and appends their mix. It is a
// no-op when no call is being archived.
func (a *Archive) AppendBatch(segs []segment.AudioSegment) error {
	if len(segs) == 0 {
		return nil
	}

	tracks := make([][]byte, 0, len(segs))
	for _, seg := range segs {
		data, err := seg.Read()
		if err != nil {
			return err
		}
		tracks = append(tracks, data)
	}

	return a.write(Mix(tracks...))
}

func (a *Archive) EndCall() (string, error) {
	a.mu.Lock()
	if a.callID == "" || a.rawFile == nil {
		a.mu.Unlock()
		return "", nil
	}

	callID := a.callID
	rawPath := a.rawPath
	rawFile := a.rawFile

	a.callID = ""
	a.rawPath = ""
	a.rawFile = nil
	a.mu.Unlock()

	if err := rawFile.Close(); err != nil {
		return "", fmt.Errorf("close raw pcm file: %w", err)
	}

	audioPath, err := a.encode(rawPath, callID)
	if err != nil {
		return "", err
	}

	_ = os.Remove(rawPath)
	return audioPath, nil
}

func (a *Archive) write(pcm []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rawFile == nil {
		return nil
	}
	if _, err := a.rawFile.Write(pcm); err != nil {
		return fmt.Errorf("write raw pcm bytes: %w", err)
	}
	return nil
}

// Mix sums 16-bit little-endian tracks sample by sample, saturating at the
// int16 range. The result is as long as the longest track.
func Mix(tracks ...[]byte) []byte {
	switch len(tracks) {
	case 0:
		return nil
	case 1:
		return tracks[0]
	}

	longest := 0
	for _, t := range tracks {
		longest = max(longest, len(t)/2)
	}

	out := make([]byte, longest*2)
	for i := range longest {
		var sum int32
		for _, t := range tracks {
			if 2*i+1 < len(t) {
				sum += int32(int16(binary.LittleEndian.Uint16(t[2*i:])))
			}
		}
		sum = min(max(sum, -32768), 32767)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(sum)))
	}
	return out
}

func (a *Archive) defaultEncode(rawPath, callID string) (string, error) {
	mp3Path := filepath.Join(a.audioDir, callID+".mp3")

	if err := encodeWithFFmpeg(rawPath, mp3Path, a.sampleRate); err == nil {
		return mp3Path, nil
	}
	if err := encodeWithLame(rawPath, mp3Path, a.sampleRate); err == nil {
		return mp3Path, nil
	}

	wavPath := filepath.Join(a.audioDir, callID+".wav")
	if err := pcmToWav(rawPath, wavPath, a.sampleRate); err != nil {
		return "", fmt.Errorf("encode wav fallback: %w", err)
	}
	return wavPath, nil
}

func encodeWithFFmpeg(rawPath, outputPath string, sampleRate int) error {
	return exec.Command(
		"ffmpeg",
		"-y",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", rawPath,
		outputPath,
	).Run()
}

func encodeWithLame(rawPath, outputPath string, sampleRate int) error {
	khz := strconv.FormatFloat(float64(sampleRate)/1000.0, 'f', -1, 64)
	return exec.Command(
		"lame",
		"-r",
		"-s", khz,
		"--bitwidth", "16",
		"-m", "m",
		rawPath,
		outputPath,
	).Run()
}

func pcmToWav(rawPath, wavPath string, sampleRate int) error {
	pcm, err := os.ReadFile(rawPath)
	if err != nil {
		return fmt.Errorf("read raw pcm data: %w", err)
	}

	out := append(wavHeader(len(pcm), sampleRate), pcm...)
	if err := os.WriteFile(wavPath, out, 0o644); err != nil {
		return fmt.Errorf("write wav output: %w", err)
	}
	return nil
}

// wavHeader builds the canonical 44-byte RIFF header for mono 16-bit PCM.
func wavHeader(dataSize, sampleRate int) []byte {
	h := make([]byte, 44)
	le := binary.LittleEndian

	copy(h[0:], "RIFF")
	le.PutUint32(h[4:], uint32(36+dataSize))
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	le.PutUint32(h[16:], 16)
	le.PutUint16(h[20:], 1)
	le.PutUint16(h[22:], pcmChannels)
	le.PutUint32(h[24:], uint32(sampleRate*pcmChannels*pcmBitDepth/8))
	le.PutUint16(h[32:], pcmChannels*pcmBitDepth/8)
	le.PutUint16(h[34:], pcmBitDepth)
	copy(h[36:], "data")
	le.PutUint32(h[40:], uint32(dataSize))
	return h
}
