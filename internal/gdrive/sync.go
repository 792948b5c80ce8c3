package gdrive

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DefaultInterval is how often the active call's transcript is pushed.
const DefaultInterval = 5 * time.Minute

type uploader interface {
	create(name, parent string, media io.Reader) (string, error)
	update(fileID string, media io.Reader) error
}

// Source reports the call whose transcript should be synced next. ok is
// false when there is nothing to upload.
type Source func() (callID, path string, ok bool)

// Syncer mirrors per-call transcript files into a Drive folder as Google
// Docs. Each call gets one document that is updated in place.
type Syncer struct {
	drive    uploader
	folderID string
	fileIDs  map[string]string
	mu       sync.Mutex
}

func NewSyncer(ctx context.Context, credPath, folderID string) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return newSyncer(driveFiles{svc: svc}, folderID), nil
}

func newSyncer(u uploader, folderID string) *Syncer {
	return &Syncer{
		drive:    u,
		folderID: folderID,
		fileIDs:  make(map[string]string),
	}
}

// Sync uploads the transcript at localPath for callID. A missing file means
// the call has not produced any lines yet and is skipped.
func (s *Syncer) Sync(localPath, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(localPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	if fileID, ok := s.fileIDs[callID]; ok {
		if err := s.drive.update(fileID, f); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		return nil
	}

	id, err := s.drive.create("callsense-"+callID, s.folderID, f)
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}
	s.fileIDs[callID] = id
	log.Info().Str("call_id", callID).Str("file_id", id).Msg("transcript document created")
	return nil
}

// Run syncs the transcript reported by src every interval until ctx is
// cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, src Source) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callID, path, ok := src()
			if !ok {
				continue
			}
			if err := s.Sync(path, callID); err != nil {
				log.Warn().Err(err).Str("call_id", callID).Msg("gdrive sync error")
			}
		}
	}
}

type driveFiles struct {
	svc *drive.Service
}

func (d driveFiles) create(name, parent string, media io.Reader) (string, error) {
	doc, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.document",
		Parents:  []string{parent},
	}).Media(media).Do()
	if err != nil {
		return "", err
	}
	return doc.Id, nil
}

func (d driveFiles) update(fileID string, media io.Reader) error {
	_, err := d.svc.Files.Update(fileID, &drive.File{}).Media(media).Do()
	return err
}
