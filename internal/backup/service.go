// Package backup owns the backup job lifecycle: it creates jobs, drives the
// enumerate -> dedup -> fetch -> upload -> record pipeline for each of them,
// tracks in-memory progress, and signals completion to waiters.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/objstore"
	"github.com/mailvault/mailvault/internal/provider"
	"github.com/mailvault/mailvault/internal/store"
)

// maxAttachmentSize is the hard per-attachment ceiling. Attachments above it
// are dropped without failing the parent message.
const maxAttachmentSize = 25 * 1024 * 1024

// Options parameterizes one backup run.
type Options struct {
	Mailbox            string        `json:"mailbox"`
	Kind               store.JobKind `json:"kind"`
	StartDate          time.Time     `json:"start_date,omitzero"`
	EndDate            time.Time     `json:"end_date,omitzero"`
	IncludeFolders     []string      `json:"include_folders,omitempty"`
	ExcludeFolders     []string      `json:"exclude_folders,omitempty"`
	IncludeAttachments bool          `json:"include_attachments"`
	MaxEmailSizeMB     int           `json:"max_email_size_mb"`
}

// Progress is the ephemeral per-job progress view. It lives only in process
// memory; the durable counters are flushed onto the job row at folder
// boundaries and terminal transitions.
type Progress struct {
	JobID           string          `json:"job_id"`
	Mailbox         string          `json:"mailbox"`
	Status          store.JobStatus `json:"status"`
	Percent         int             `json:"progress"`
	CurrentFolder   string          `json:"current_folder,omitempty"`
	ProcessedEmails int             `json:"processed_emails"`
	TotalEmails     int             `json:"total_emails"`
	FailedEmails    int             `json:"failed_emails"`
	ProcessedBytes  int64           `json:"processed_bytes"`
	Errors          []string        `json:"errors"`
}

// jobState is the in-memory record of one job. done is closed exactly once,
// at the terminal transition.
type jobState struct {
	progress Progress
	cancel   context.CancelFunc
	done     chan struct{}
}

// Service is the job manager. One instance is constructed at process start
// and shared by every caller.
type Service struct {
	store   *store.Store
	mailbox provider.Mailbox
	objects objstore.ObjectStore
	events  bool

	mu   sync.RWMutex
	jobs map[string]*jobState
}

// NewService creates the job manager. events controls whether lifecycle
// events are appended to the outbox.
func NewService(st *store.Store, mbox provider.Mailbox, objects objstore.ObjectStore, events bool) *Service {
	return &Service{
		store:   st,
		mailbox: mbox,
		objects: objects,
		events:  events,
		jobs:    make(map[string]*jobState),
	}
}

// StartBackup creates a job and launches its pipeline without blocking the
// caller. It refuses to start when the mailbox already has an active job.
func (s *Service) StartBackup(ctx context.Context, opts Options) (string, error) {
	if opts.Mailbox == "" {
		return "", fmt.Errorf("mailbox is required")
	}
	if opts.Kind == "" {
		opts.Kind = store.KindFull
	}
	if opts.EndDate.IsZero() {
		opts.EndDate = time.Now().UTC()
	}

	active, err := s.store.ActiveJobForMailbox(ctx, opts.Mailbox)
	if err != nil {
		return "", fmt.Errorf("check active jobs: %w", err)
	}
	if active != nil {
		return "", fmt.Errorf("%w: job %s", ErrJobActive, active.ID)
	}

	return s.start(ctx, opts)
}

// StartScheduled creates a job for a scheduled fire. It deliberately skips
// the active-job guard the manual path performs, so overlapping scheduled
// runs for one mailbox are possible.
// TODO: decide whether scheduled fires should share the manual guard.
func (s *Service) StartScheduled(ctx context.Context, opts Options) (string, error) {
	if opts.EndDate.IsZero() {
		opts.EndDate = time.Now().UTC()
	}
	return s.start(ctx, opts)
}

func (s *Service) start(ctx context.Context, opts Options) (string, error) {
	job := &store.Job{
		ID:        uuid.NewString(),
		Mailbox:   opts.Mailbox,
		Kind:      opts.Kind,
		Status:    store.JobPending,
		StartDate: opts.StartDate,
		EndDate:   opts.EndDate,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create backup job: %w", err)
	}

	// The pipeline must outlive the request that started it.
	runCtx, cancel := context.WithCancel(context.Background())
	st := &jobState{
		progress: Progress{
			JobID:   job.ID,
			Mailbox: opts.Mailbox,
			Status:  store.JobPending,
			Errors:  []string{},
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.jobs[job.ID] = st
	s.mu.Unlock()

	s.emitEvent(ctx, job.ID, opts.Mailbox, "job.started", nil)

	go s.run(runCtx, job.ID, opts)

	return job.ID, nil
}

// Progress returns a snapshot of one job's progress, or nil for unknown ids.
func (s *Service) Progress(jobID string) *Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	p := st.progress
	p.Errors = append([]string(nil), st.progress.Errors...)
	return &p
}

// ActiveJobs returns progress snapshots for every job this process has
// started, terminal ones included.
func (s *Service) ActiveJobs() []Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Progress, 0, len(s.jobs))
	for _, st := range s.jobs {
		p := st.progress
		p.Errors = append([]string(nil), st.progress.Errors...)
		out = append(out, p)
	}
	return out
}

// Wait blocks until the job reaches a terminal status, the timeout elapses,
// or ctx is cancelled. On timeout the job is left running and ErrWaitTimeout
// is returned.
func (s *Service) Wait(ctx context.Context, jobID string, timeout time.Duration) (store.JobStatus, error) {
	s.mu.RLock()
	st, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-st.done:
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return "", err
		}
		if job == nil {
			return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		return job.Status, nil
	case <-timer.C:
		return "", ErrWaitTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel aborts a running job at its next folder or message boundary.
func (s *Service) Cancel(jobID string) error {
	s.mu.RLock()
	st, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	st.cancel()
	return nil
}

// StopAll cancels every in-flight job. Used on process shutdown.
func (s *Service) StopAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.jobs {
		st.cancel()
	}
}

// run drives the whole pipeline for one job.
func (s *Service) run(ctx context.Context, jobID string, opts Options) {
	logger := log.WithFields(log.Fields{"job": jobID, "mailbox": opts.Mailbox})
	logger.Info("backup job starting")

	s.setStatus(ctx, jobID, store.JobRunning, "")

	window := provider.Window{Start: opts.StartDate, End: opts.EndDate}

	folders, err := s.mailbox.ListFolders(ctx, opts.Mailbox)
	if err != nil {
		s.fail(ctx, jobID, opts.Mailbox, fmt.Errorf("list folders: %w", err), logger)
		return
	}

	selected := FilterFolders(folders, opts.IncludeFolders, opts.ExcludeFolders)

	// Pre-pass: enumerate every selected folder's messages up front so the
	// total is known before any content is fetched.
	messagesByFolder := make(map[string][]provider.Message, len(selected))
	total := 0
	for _, folder := range selected {
		msgs, err := s.mailbox.ListMessages(ctx, opts.Mailbox, folder.ID, window)
		if err != nil {
			s.fail(ctx, jobID, opts.Mailbox, fmt.Errorf("list messages in %q: %w", folder.DisplayName, err), logger)
			return
		}
		messagesByFolder[folder.ID] = msgs
		total += len(msgs)
	}

	s.updateProgress(jobID, func(p *Progress) {
		p.TotalEmails = total
	})

	for _, folder := range selected {
		if ctx.Err() != nil {
			s.fail(ctx, jobID, opts.Mailbox, fmt.Errorf("backup cancelled: %w", ctx.Err()), logger)
			return
		}
		s.backupFolder(ctx, jobID, opts, folder, messagesByFolder[folder.ID], logger)
		s.flushCounters(ctx, jobID)
	}

	if ctx.Err() != nil {
		s.fail(ctx, jobID, opts.Mailbox, fmt.Errorf("backup cancelled: %w", ctx.Err()), logger)
		return
	}

	s.updateProgress(jobID, func(p *Progress) {
		p.Status = store.JobCompleted
		p.Percent = 100
		p.CurrentFolder = ""
	})
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.UpdateJobStatus(persistCtx, jobID, store.JobCompleted, ""); err != nil {
		logger.WithError(err).Warn("failed to persist completed status")
	}
	s.flushCounters(persistCtx, jobID)
	s.emitEvent(persistCtx, jobID, opts.Mailbox, "job.completed", s.Progress(jobID))
	s.finish(jobID)

	logger.WithField("processed", total).Info("backup job completed")
}

// backupFolder processes one folder. Folder-level errors are recorded and
// the job moves on to the next folder.
func (s *Service) backupFolder(ctx context.Context, jobID string, opts Options, folder provider.Folder, messages []provider.Message, logger *log.Entry) {
	s.updateProgress(jobID, func(p *Progress) {
		p.CurrentFolder = folder.DisplayName
	})

	if err := s.store.UpsertFolder(ctx, &store.FolderSnapshot{
		Mailbox:         opts.Mailbox,
		FolderID:        folder.ID,
		DisplayName:     folder.DisplayName,
		ParentFolderID:  folder.ParentID,
		TotalItemCount:  folder.TotalItemCount,
		UnreadItemCount: folder.UnreadItemCount,
	}); err != nil {
		logger.WithError(err).WithField("folder", folder.DisplayName).Error("folder snapshot failed")
		s.updateProgress(jobID, func(p *Progress) {
			p.Errors = append(p.Errors, fmt.Sprintf("folder %s: %v", folder.DisplayName, err))
		})
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}

		if err := s.backupMessage(ctx, opts, folder.ID, msg, jobID, logger); err != nil {
			logger.WithError(err).WithField("message", msg.ID).Error("message backup failed")
			s.updateProgress(jobID, func(p *Progress) {
				p.FailedEmails++
				p.Errors = append(p.Errors, fmt.Sprintf("message %s: %v", msg.ID, err))
			})
		} else {
			s.updateProgress(jobID, func(p *Progress) {
				p.ProcessedEmails++
			})
		}

		s.updateProgress(jobID, func(p *Progress) {
			if p.TotalEmails > 0 {
				p.Percent = int(math.Round(float64(p.ProcessedEmails) / float64(p.TotalEmails) * 100))
			}
		})
	}
}

// backupMessage runs dedup, fetch, size gate, upload and record for one
// message. A nil return means the message counts as processed, including the
// dedup-skip case.
func (s *Service) backupMessage(ctx context.Context, opts Options, folderID string, msg provider.Message, jobID string, logger *log.Entry) error {
	exists, err := s.store.EmailExists(ctx, opts.Mailbox, msg.ID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if exists {
		// Already backed up: no fetch, no upload, no new record.
		logger.WithField("message", msg.ID).Debug("message already backed up, skipping")
		return nil
	}

	raw, err := s.mailbox.GetRawMessage(ctx, opts.Mailbox, msg.ID)
	if err != nil {
		return fmt.Errorf("fetch content: %w", err)
	}

	sizeMB := float64(len(raw)) / (1024 * 1024)
	if opts.MaxEmailSizeMB > 0 && sizeMB > float64(opts.MaxEmailSizeMB) {
		return &SizeLimitError{SizeMB: sizeMB, LimitMB: opts.MaxEmailSizeMB}
	}

	key := objstore.MessageKey(opts.Mailbox, folderID, msg.ID, msg.SentAt, msg.SenderEmail, msg.SenderName)
	if err := s.objects.Put(ctx, key, raw, "message/rfc822"); err != nil {
		return fmt.Errorf("upload content: %w", err)
	}

	emailID, err := s.store.InsertEmail(ctx, &store.Email{
		Mailbox:        opts.Mailbox,
		FolderID:       folderID,
		MessageID:      msg.ID,
		Subject:        msg.Subject,
		SenderName:     msg.SenderName,
		SenderEmail:    msg.SenderEmail,
		Recipients:     msg.To,
		CcRecipients:   msg.Cc,
		BccRecipients:  msg.Bcc,
		BodyPreview:    msg.BodyPreview,
		ReceivedDate:   msg.ReceivedAt,
		SentDate:       msg.SentAt,
		HasAttachments: msg.HasAttachments,
		StorageKey:     key,
		BackupStatus:   "completed",
		BackupDate:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record metadata: %w", err)
	}

	s.updateProgress(jobID, func(p *Progress) {
		p.ProcessedBytes += int64(len(raw))
	})

	if opts.IncludeAttachments && msg.HasAttachments {
		s.backupAttachments(ctx, opts.Mailbox, msg.ID, emailID, logger)
	}

	return nil
}

// backupAttachments stores a message's attachments. Attachment failures are
// warnings only and never fail the parent message.
func (s *Service) backupAttachments(ctx context.Context, mailbox, messageID string, emailID int64, logger *log.Entry) {
	attachments, err := s.mailbox.ListAttachments(ctx, mailbox, messageID)
	if err != nil {
		logger.WithError(err).WithField("message", messageID).Warn("listing attachments failed")
		return
	}

	for _, att := range attachments {
		if att.Size > maxAttachmentSize {
			logger.WithFields(log.Fields{"attachment": att.Name, "size": att.Size}).
				Warn("attachment exceeds size ceiling, dropping")
			continue
		}

		data, err := s.mailbox.DownloadAttachment(ctx, mailbox, messageID, att.ID)
		if err != nil {
			logger.WithError(err).WithField("attachment", att.Name).Warn("attachment download failed")
			continue
		}

		key := objstore.AttachmentKey(mailbox, messageID, att.ID, att.Name)
		if err := s.objects.Put(ctx, key, data, objstore.ContentTypeFor(att.Name)); err != nil {
			logger.WithError(err).WithField("attachment", att.Name).Warn("attachment upload failed")
			continue
		}

		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := s.store.InsertAttachment(ctx, &store.Attachment{
			EmailID:      emailID,
			AttachmentID: att.ID,
			Filename:     att.Name,
			ContentType:  contentType,
			SizeBytes:    att.Size,
			StorageKey:   key,
			BackupDate:   time.Now().UTC(),
		}); err != nil {
			logger.WithError(err).WithField("attachment", att.Name).Warn("attachment record failed")
		}
	}
}

// fail marks the job failed with the given fatal error. Terminal
// persistence must go through even when the failure is the pipeline context
// being cancelled, so the writes detach from ctx's cancellation.
func (s *Service) fail(ctx context.Context, jobID, mailbox string, cause error, logger *log.Entry) {
	ctx = context.WithoutCancel(ctx)
	logger.WithError(cause).Error("backup job failed")

	s.updateProgress(jobID, func(p *Progress) {
		p.Status = store.JobFailed
		p.Errors = append(p.Errors, cause.Error())
	})
	if err := s.store.UpdateJobStatus(ctx, jobID, store.JobFailed, cause.Error()); err != nil {
		logger.WithError(err).Warn("failed to persist failed status")
	}
	s.flushCounters(ctx, jobID)
	s.emitEvent(ctx, jobID, mailbox, "job.failed", s.Progress(jobID))
	s.finish(jobID)
}

func (s *Service) setStatus(ctx context.Context, jobID string, status store.JobStatus, errorMessage string) {
	s.updateProgress(jobID, func(p *Progress) {
		p.Status = status
	})
	if err := s.store.UpdateJobStatus(ctx, jobID, status, errorMessage); err != nil {
		log.WithError(err).WithField("job", jobID).Warn("failed to persist job status")
	}
}

func (s *Service) updateProgress(jobID string, fn func(*Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.jobs[jobID]; ok {
		fn(&st.progress)
	}
}

// flushCounters snapshots the in-memory counters onto the job row.
func (s *Service) flushCounters(ctx context.Context, jobID string) {
	p := s.Progress(jobID)
	if p == nil {
		return
	}
	if err := s.store.UpdateJobCounters(ctx, jobID, p.TotalEmails, p.ProcessedEmails, p.FailedEmails); err != nil {
		log.WithError(err).WithField("job", jobID).Warn("failed to flush job counters")
	}
}

// finish closes the done channel exactly once.
func (s *Service) finish(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.jobs[jobID]; ok {
		select {
		case <-st.done:
		default:
			close(st.done)
		}
	}
}

// emitEvent appends a lifecycle event to the outbox for the dispatcher.
func (s *Service) emitEvent(ctx context.Context, jobID, mailbox, eventType string, progress *Progress) {
	if !s.events {
		return
	}

	event := map[string]any{
		"event_id": uuid.NewString(),
		"ts":       time.Now().Unix(),
		"job_id":   jobID,
		"mailbox":  mailbox,
		"type":     eventType,
	}
	if progress != nil {
		event["processed_emails"] = progress.ProcessedEmails
		event["total_emails"] = progress.TotalEmails
		event["failed_emails"] = progress.FailedEmails
	}

	payload, _ := json.Marshal(event)
	subject := fmt.Sprintf("backup.job.%s", jobID)
	msgID := fmt.Sprintf("%s|%s", eventType, jobID)

	if err := s.store.AppendOutbox(ctx, subject, eventType, payload, msgID); err != nil {
		log.WithError(err).WithField("job", jobID).Warn("failed to enqueue lifecycle event")
	}
}
