// Package archive builds daily zip archives out of already backed-up
// messages and uploads them next to the originals.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/objstore"
	"github.com/mailvault/mailvault/internal/store"
)

// Archiver packages one day's worth of backed-up mail into a single zip.
// Records are read from the metadata store, content comes back from object
// storage; the provider is never contacted.
type Archiver struct {
	store   *store.Store
	objects objstore.ObjectStore
	tempDir string
}

// New creates an Archiver staging its downloads under tempDir.
func New(st *store.Store, objects objstore.ObjectStore, tempDir string) *Archiver {
	return &Archiver{store: st, objects: objects, tempDir: tempDir}
}

// Result summarizes one archive run.
type Result struct {
	Key      string
	Archived int
	Skipped  int
	Bytes    int64
}

// ArchiveDay zips every message (and, when includeAttachments is set, every
// attachment) backed up for the mailbox on the given calendar day.
// Individual record failures are logged and skipped; the archive is still
// produced and uploaded. A day with no records produces no archive.
func (a *Archiver) ArchiveDay(ctx context.Context, mailbox string, day time.Time, includeAttachments bool) (*Result, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Second)

	emails, err := a.store.EmailsInWindow(ctx, mailbox, start, end)
	if err != nil {
		return nil, fmt.Errorf("load archive records: %w", err)
	}
	if len(emails) == 0 {
		return &Result{}, nil
	}

	var attachments []store.Attachment
	if includeAttachments {
		ids := make([]int64, 0, len(emails))
		for _, e := range emails {
			ids = append(ids, e.ID)
		}
		attachments, err = a.store.AttachmentsForEmails(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load attachment records: %w", err)
		}
	}

	logger := log.WithFields(log.Fields{"mailbox": mailbox, "day": start.Format("2006-01-02")})
	logger.WithFields(log.Fields{"emails": len(emails), "attachments": len(attachments)}).
		Info("building daily archive")

	if err := os.MkdirAll(a.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	zipPath := filepath.Join(a.tempDir,
		fmt.Sprintf("%s_%s_%d.zip", sanitize(mailbox), start.Format("2006-01-02"), time.Now().UnixNano()))
	zipFile, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	defer os.Remove(zipPath)

	result := &Result{}
	zw := zip.NewWriter(zipFile)

	for _, e := range emails {
		if ctx.Err() != nil {
			zw.Close()
			zipFile.Close()
			return nil, ctx.Err()
		}
		name := "emails/" + path.Base(e.StorageKey)
		if err := a.addEntry(ctx, zw, e.StorageKey, name); err != nil {
			logger.WithError(err).WithField("key", e.StorageKey).Warn("skipping email in archive")
			result.Skipped++
			continue
		}
		result.Archived++
	}

	for _, att := range attachments {
		if ctx.Err() != nil {
			zw.Close()
			zipFile.Close()
			return nil, ctx.Err()
		}
		name := "attachments/" + path.Base(att.StorageKey)
		if err := a.addEntry(ctx, zw, att.StorageKey, name); err != nil {
			logger.WithError(err).WithField("key", att.StorageKey).Warn("skipping attachment in archive")
			result.Skipped++
			continue
		}
		result.Archived++
	}

	if err := zw.Close(); err != nil {
		zipFile.Close()
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	if err := zipFile.Close(); err != nil {
		return nil, fmt.Errorf("close archive file: %w", err)
	}

	data, err := os.ReadFile(zipPath)
	if err != nil {
		return nil, fmt.Errorf("read archive file: %w", err)
	}
	result.Bytes = int64(len(data))

	key := objstore.ArchiveKey(mailbox, start)
	if err := a.objects.Put(ctx, key, data, "application/zip"); err != nil {
		return nil, fmt.Errorf("upload archive: %w", err)
	}
	result.Key = key

	logger.WithFields(log.Fields{
		"key":      key,
		"archived": result.Archived,
		"skipped":  result.Skipped,
		"bytes":    result.Bytes,
	}).Info("daily archive uploaded")

	return result, nil
}

// addEntry streams one stored object into the zip through a staging file
// that is removed as soon as the entry is written.
func (a *Archiver) addEntry(ctx context.Context, zw *zip.Writer, storageKey, entryName string) error {
	data, err := a.objects.Get(ctx, storageKey)
	if err != nil {
		return fmt.Errorf("download %s: %w", storageKey, err)
	}

	staging := filepath.Join(a.tempDir, fmt.Sprintf("stage_%d_%s", time.Now().UnixNano(), path.Base(storageKey)))
	if err := os.WriteFile(staging, data, 0o644); err != nil {
		return fmt.Errorf("stage %s: %w", storageKey, err)
	}
	defer os.Remove(staging)

	f, err := os.Open(staging)
	if err != nil {
		return fmt.Errorf("open staged %s: %w", storageKey, err)
	}
	defer f.Close()

	w, err := zw.Create(entryName)
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", entryName, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write zip entry %s: %w", entryName, err)
	}
	return nil
}

// CleanTempDir removes staging files older than maxAge. Failures are logged
// and swallowed.
func (a *Archiver) CleanTempDir(maxAge time.Duration) {
	entries, err := os.ReadDir(a.tempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("temp dir cleanup failed")
		}
		return
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(a.tempDir, entry.Name())); err != nil {
				log.WithError(err).WithField("file", entry.Name()).Warn("temp file removal failed")
			}
		}
	}
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
