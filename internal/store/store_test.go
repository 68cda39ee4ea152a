package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func insertTestEmail(t *testing.T, st *Store, mailbox, messageID string, backupDate time.Time) int64 {
	t.Helper()
	id, err := st.InsertEmail(context.Background(), &Email{
		Mailbox:    mailbox,
		FolderID:   "f1",
		MessageID:  messageID,
		Subject:    "s",
		StorageKey: mailbox + "/emails/f1/" + messageID + ".eml",
		BackupDate: backupDate,
	})
	require.NoError(t, err)
	return id
}

func TestJobLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	job := &Job{
		ID:        "job-1",
		Mailbox:   "user@example.com",
		Kind:      KindFull,
		Status:    JobPending,
		EndDate:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateJob(ctx, job))

	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, JobPending, got.Status)
	assert.True(t, got.StartDate.IsZero())
	assert.Equal(t, job.EndDate, got.EndDate)
	assert.True(t, got.CompletedAt.IsZero())

	require.NoError(t, st.UpdateJobStatus(ctx, "job-1", JobRunning, ""))
	got, err = st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got.Status)
	assert.True(t, got.CompletedAt.IsZero())

	require.NoError(t, st.UpdateJobCounters(ctx, "job-1", 10, 7, 1))
	got, err = st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.TotalEmails)
	assert.Equal(t, 7, got.ProcessedEmails)
	assert.Equal(t, 1, got.FailedEmails)

	require.NoError(t, st.UpdateJobStatus(ctx, "job-1", JobFailed, "provider unreachable"))
	got, err = st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, "provider unreachable", got.ErrorMessage)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestGetJobMissing(t *testing.T) {
	st := openTestStore(t)
	got, err := st.GetJob(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestActiveJobForMailbox(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateJob(ctx, &Job{
		ID: "done", Mailbox: "a@example.com", Kind: KindFull,
		Status: JobCompleted, CreatedAt: time.Now().UTC(),
	}))
	active, err := st.ActiveJobForMailbox(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, st.CreateJob(ctx, &Job{
		ID: "live", Mailbox: "a@example.com", Kind: KindFull,
		Status: JobRunning, CreatedAt: time.Now().UTC(),
	}))
	active, err = st.ActiveJobForMailbox(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "live", active.ID)

	// Other mailboxes are independent.
	active, err = st.ActiveJobForMailbox(ctx, "b@example.com")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestListJobsNewestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, st.CreateJob(ctx, &Job{
			ID: id, Mailbox: "a@example.com", Kind: KindFull,
			Status: JobCompleted, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	jobs, err := st.ListJobs(ctx, "a@example.com", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j3", jobs[0].ID)
	assert.Equal(t, "j2", jobs[1].ID)

	all, err := st.ListJobs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteJobsBeforeCutoffBoundary(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateJob(ctx, &Job{
		ID: "old", Mailbox: "a@example.com", Kind: KindFull,
		Status: JobCompleted, CreatedAt: cutoff.Add(-time.Second),
	}))
	require.NoError(t, st.CreateJob(ctx, &Job{
		ID: "at-cutoff", Mailbox: "a@example.com", Kind: KindFull,
		Status: JobCompleted, CreatedAt: cutoff,
	}))

	n, err := st.DeleteJobsBefore(ctx, "a@example.com", cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The row exactly at the cutoff survives.
	kept, err := st.GetJob(ctx, "at-cutoff")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestEmailExistsAndRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	exists, err := st.EmailExists(ctx, "a@example.com", "m1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = st.InsertEmail(ctx, &Email{
		Mailbox:        "a@example.com",
		FolderID:       "f1",
		MessageID:      "m1",
		Subject:        "hello",
		SenderName:     "Alice",
		SenderEmail:    "alice@example.com",
		Recipients:     []string{"bob@example.com", "carol@example.com"},
		CcRecipients:   []string{"dave@example.com"},
		ReceivedDate:   time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		SentDate:       time.Date(2026, 3, 10, 8, 59, 0, 0, time.UTC),
		HasAttachments: true,
		StorageKey:     "a@example.com/emails/f1/m1.eml",
		BackupStatus:   "completed",
		BackupDate:     time.Now().UTC(),
	})
	require.NoError(t, err)

	exists, err = st.EmailExists(ctx, "a@example.com", "m1")
	require.NoError(t, err)
	assert.True(t, exists)

	// The same message id under another mailbox is a different dedup key.
	exists, err = st.EmailExists(ctx, "b@example.com", "m1")
	require.NoError(t, err)
	assert.False(t, exists)

	emails, err := st.EmailsInWindow(ctx, "a@example.com",
		time.Now().UTC().Add(-time.Minute), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "hello", emails[0].Subject)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, emails[0].Recipients)
	assert.Equal(t, []string{"dave@example.com"}, emails[0].CcRecipients)
	assert.True(t, emails[0].HasAttachments)
}

func TestEmailsInWindowInclusiveBounds(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)

	insertTestEmail(t, st, "a@example.com", "before", start.Add(-time.Second))
	insertTestEmail(t, st, "a@example.com", "at-start", start)
	insertTestEmail(t, st, "a@example.com", "at-end", end)
	insertTestEmail(t, st, "a@example.com", "after", end.Add(time.Second))

	emails, err := st.EmailsInWindow(ctx, "a@example.com", start, end)
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Equal(t, "at-start", emails[0].MessageID)
	assert.Equal(t, "at-end", emails[1].MessageID)
}

func TestDeleteEmailsBeforeWithCascade(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	oldID := insertTestEmail(t, st, "a@example.com", "old", cutoff.Add(-time.Hour))
	insertTestEmail(t, st, "a@example.com", "at-cutoff", cutoff)

	require.NoError(t, st.InsertAttachment(ctx, &Attachment{
		EmailID:      oldID,
		AttachmentID: "att-1",
		Filename:     "f.pdf",
		ContentType:  "application/pdf",
		SizeBytes:    10,
		StorageKey:   "a@example.com/attachments/old/att-1_f.pdf",
		BackupDate:   cutoff.Add(-time.Hour),
	}))

	old, err := st.EmailsBefore(ctx, "a@example.com", cutoff)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "old", old[0].MessageID)

	n, err := st.DeleteEmailsBefore(ctx, "a@example.com", cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	atts, err := st.AttachmentsForEmails(ctx, []int64{oldID})
	require.NoError(t, err)
	assert.Empty(t, atts)

	exists, err := st.EmailExists(ctx, "a@example.com", "at-cutoff")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInsertAttachmentIgnoresDuplicates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	emailID := insertTestEmail(t, st, "a@example.com", "m1", time.Now().UTC())

	att := &Attachment{
		EmailID: emailID, AttachmentID: "att-1", Filename: "f.pdf",
		ContentType: "application/pdf", SizeBytes: 10,
		StorageKey: "k", BackupDate: time.Now().UTC(),
	}
	require.NoError(t, st.InsertAttachment(ctx, att))
	require.NoError(t, st.InsertAttachment(ctx, att))

	atts, err := st.AttachmentsForEmails(ctx, []int64{emailID})
	require.NoError(t, err)
	assert.Len(t, atts, 1)
}

func TestScheduleConfigCRUD(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	cfg := &ScheduleConfig{
		ID:                 "sched-1",
		Mailbox:            "a@example.com",
		CronExpr:           "0 3 * * *",
		Active:             true,
		Kind:               KindIncremental,
		RetentionDays:      90,
		IncludeAttachments: true,
		MaxEmailSizeMB:     25,
		ZipEnabled:         true,
	}
	require.NoError(t, st.UpsertScheduleConfig(ctx, cfg))

	got, err := st.GetScheduleConfig(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0 3 * * *", got.CronExpr)
	assert.Equal(t, 90, got.RetentionDays)
	assert.True(t, got.LastRun.IsZero())

	// Upsert replaces in place.
	cfg.CronExpr = "0 4 * * *"
	cfg.Active = false
	require.NoError(t, st.UpsertScheduleConfig(ctx, cfg))

	configs, err := st.ListScheduleConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "0 4 * * *", configs[0].CronExpr)
	assert.False(t, configs[0].Active)

	lastRun := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	nextRun := lastRun.Add(24 * time.Hour)
	require.NoError(t, st.UpdateScheduleRun(ctx, "sched-1", lastRun, nextRun))
	got, err = st.GetScheduleConfig(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, lastRun, got.LastRun)
	assert.Equal(t, nextRun, got.NextRun)

	require.NoError(t, st.DeleteScheduleConfig(ctx, "sched-1"))
	got, err = st.GetScheduleConfig(ctx, "sched-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestErrorLogOverwrites(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	entry, err := st.ErrorLog(ctx, "sched-1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	first := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertErrorLog(ctx, "sched-1", "first failure", first))
	require.NoError(t, st.UpsertErrorLog(ctx, "sched-1", "second failure", first.Add(time.Hour)))

	entry, err = st.ErrorLog(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "second failure", entry.Message)
	assert.Equal(t, first.Add(time.Hour), entry.Timestamp)
}

func TestOutboxDequeueAndRetry(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendOutbox(ctx, "backup.job.j1", "job.started", []byte(`{}`), "job.started|j1"))
	require.NoError(t, st.AppendOutbox(ctx, "backup.job.j1", "job.completed", []byte(`{}`), "job.completed|j1"))

	msgs, err := st.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "job.started|j1", msgs[0].MsgID)

	require.NoError(t, st.MarkPublished(ctx, msgs[0].ID))
	require.NoError(t, st.MarkOutboxRetry(ctx, msgs[1].ID, time.Minute))

	// One published, one pushed into the future: nothing is due now.
	msgs, err = st.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
