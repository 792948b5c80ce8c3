package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sjawhar/callsense/internal/transcribe"
)

// Writer appends transcript lines to one plain-text file per call. Appends
// are serialized so concurrent batches never interleave.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Path(callID string) string {
	return filepath.Join(w.dir, "transcript_call_id_"+callID+".txt")
}

func (w *Writer) Append(callID string, lines ...transcribe.Line) error {
	if len(lines) == 0 {
		return nil
	}

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.String())
		b.WriteByte('\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	path := w.Path(callID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Read returns the full transcript text of a call, or "" if nothing has been
// written yet.
func (w *Writer) Read(callID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.Path(callID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read transcript for call %s: %w", callID, err)
	}
	return string(data), nil
}
