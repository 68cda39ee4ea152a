package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailvault/mailvault/internal/objstore"
	"github.com/mailvault/mailvault/internal/store"
)

func newTestArchiver(t *testing.T) (*Archiver, *store.Store, *objstore.Memory) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	objects := objstore.NewMemory()
	return New(st, objects, t.TempDir()), st, objects
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		entries[f.Name] = content
	}
	return entries
}

func TestArchiveDayBundlesMessages(t *testing.T) {
	a, st, objects := newTestArchiver(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	for _, name := range []string{"m1", "m2"} {
		key := "a@example.com/emails/f1/" + name + ".eml"
		require.NoError(t, objects.Put(ctx, key, []byte("content "+name), "message/rfc822"))
		_, err := st.InsertEmail(ctx, &store.Email{
			Mailbox: "a@example.com", FolderID: "f1", MessageID: name,
			StorageKey: key, BackupDate: day.Add(10 * time.Hour),
		})
		require.NoError(t, err)
	}
	// Backed up the day before: not part of this archive.
	otherKey := "a@example.com/emails/f1/old.eml"
	require.NoError(t, objects.Put(ctx, otherKey, []byte("old"), "message/rfc822"))
	_, err := st.InsertEmail(ctx, &store.Email{
		Mailbox: "a@example.com", FolderID: "f1", MessageID: "old",
		StorageKey: otherKey, BackupDate: day.Add(-time.Hour),
	})
	require.NoError(t, err)

	result, err := a.ArchiveDay(ctx, "a@example.com", day, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Archived)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, "a@example.com/daily-zips/2026-03-10/a@example.com_2026-03-10.zip", result.Key)

	data, err := objects.Get(ctx, result.Key)
	require.NoError(t, err)
	entries := readZip(t, data)
	assert.Equal(t, []byte("content m1"), entries["emails/m1.eml"])
	assert.Equal(t, []byte("content m2"), entries["emails/m2.eml"])
	assert.NotContains(t, entries, "emails/old.eml")
}

func TestArchiveDayIncludesAttachments(t *testing.T) {
	a, st, objects := newTestArchiver(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	emailKey := "a@example.com/emails/f1/m1.eml"
	require.NoError(t, objects.Put(ctx, emailKey, []byte("mail"), "message/rfc822"))
	emailID, err := st.InsertEmail(ctx, &store.Email{
		Mailbox: "a@example.com", FolderID: "f1", MessageID: "m1",
		StorageKey: emailKey, BackupDate: day.Add(time.Hour),
	})
	require.NoError(t, err)

	attKey := "a@example.com/attachments/m1/att-1_r.pdf"
	require.NoError(t, objects.Put(ctx, attKey, []byte("pdf"), "application/pdf"))
	require.NoError(t, st.InsertAttachment(ctx, &store.Attachment{
		EmailID: emailID, AttachmentID: "att-1", Filename: "r.pdf",
		ContentType: "application/pdf", SizeBytes: 3,
		StorageKey: attKey, BackupDate: day.Add(time.Hour),
	}))

	result, err := a.ArchiveDay(ctx, "a@example.com", day, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Archived)

	data, err := objects.Get(ctx, result.Key)
	require.NoError(t, err)
	entries := readZip(t, data)
	assert.Equal(t, []byte("mail"), entries["emails/m1.eml"])
	assert.Equal(t, []byte("pdf"), entries["attachments/att-1_r.pdf"])
}

func TestArchiveDaySkipsMissingObjects(t *testing.T) {
	a, st, objects := newTestArchiver(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	goodKey := "a@example.com/emails/f1/good.eml"
	require.NoError(t, objects.Put(ctx, goodKey, []byte("ok"), "message/rfc822"))
	_, err := st.InsertEmail(ctx, &store.Email{
		Mailbox: "a@example.com", FolderID: "f1", MessageID: "good",
		StorageKey: goodKey, BackupDate: day.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = st.InsertEmail(ctx, &store.Email{
		Mailbox: "a@example.com", FolderID: "f1", MessageID: "gone",
		StorageKey: "a@example.com/emails/f1/gone.eml", BackupDate: day.Add(time.Hour),
	})
	require.NoError(t, err)

	result, err := a.ArchiveDay(ctx, "a@example.com", day, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, 1, result.Skipped)
	assert.NotEmpty(t, result.Key)
}

func TestArchiveDayEmptyDay(t *testing.T) {
	a, _, objects := newTestArchiver(t)

	result, err := a.ArchiveDay(context.Background(), "a@example.com", time.Now().UTC(), false)
	require.NoError(t, err)
	assert.Empty(t, result.Key)
	assert.Equal(t, 0, result.Archived)
	assert.Equal(t, 0, objects.Len())
}
