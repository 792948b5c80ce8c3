package gdrive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeDrive struct {
	mu      sync.Mutex
	created map[string]string
	updated map[string]string
	err     error
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{created: map[string]string{}, updated: map[string]string{}}
}

func (f *fakeDrive) create(name, _ string, media io.Reader) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	b, _ := io.ReadAll(media)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[name] = string(b)
	return "id-" + name, nil
}

func (f *fakeDrive) update(fileID string, media io.Reader) error {
	b, _ := io.ReadAll(media)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[fileID] = string(b)
	return nil
}

func (f *fakeDrive) updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updated)
}

func TestSyncCreatesThenUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript_call_id_c1.txt")
	if err := os.WriteFile(path, []byte("[00:00:01] Host: hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := newFakeDrive()
	s := newSyncer(fake, "folder")

	if err := s.Sync(path, "c1"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if fake.created["callsense-c1"] != "[00:00:01] Host: hi\n" {
		t.Fatalf("unexpected created docs %v", fake.created)
	}

	if err := os.WriteFile(path, []byte("more\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(path, "c1"); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(fake.created) != 1 || fake.updated["id-callsense-c1"] != "more\n" {
		t.Fatalf("expected update in place, created=%v updated=%v", fake.created, fake.updated)
	}
}

func TestSyncSkipsMissingFile(t *testing.T) {
	fake := newFakeDrive()
	if err := newSyncer(fake, "folder").Sync(filepath.Join(t.TempDir(), "none.txt"), "c1"); err != nil {
		t.Fatalf("expected missing transcript to be skipped, got %v", err)
	}
	if len(fake.created) != 0 {
		t.Fatal("expected no upload")
	}
}

func TestSyncCreateError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.txt")
	_ = os.WriteFile(path, []byte("x"), 0o644)

	fake := newFakeDrive()
	fake.err = errors.New("quota")
	if err := newSyncer(fake, "folder").Sync(path, "c1"); err == nil {
		t.Fatal("expected create error")
	}
}

func TestRunSyncsActiveCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.txt")
	_ = os.WriteFile(path, []byte("x"), 0o644)

	fake := newFakeDrive()
	s := newSyncer(fake, "folder")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond, func() (string, string, bool) { return "c1", path, true })
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for fake.updates() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if fake.updates() == 0 {
		t.Fatal("expected repeated syncs to update the document")
	}
}
