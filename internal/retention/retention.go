// Package retention removes backup data older than a schedule's retention
// window from both object storage and the metadata store.
package retention

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/objstore"
	"github.com/mailvault/mailvault/internal/store"
)

// Enforcer applies retention cutoffs. Remote deletes are best-effort: a
// failed object delete is logged and the metadata row is removed anyway, so
// a later pass never retries orphans.
type Enforcer struct {
	store   *store.Store
	objects objstore.ObjectStore
}

// New creates an Enforcer.
func New(st *store.Store, objects objstore.ObjectStore) *Enforcer {
	return &Enforcer{store: st, objects: objects}
}

// Result summarizes one retention pass.
type Result struct {
	Cutoff         time.Time
	JobsDeleted    int64
	EmailsDeleted  int64
	ObjectsDeleted int
	ObjectsFailed  int
}

// Enforce deletes everything backed up strictly before now minus
// retentionDays. Records backed up exactly at the cutoff instant survive.
func (e *Enforcer) Enforce(ctx context.Context, mailbox string, retentionDays int) (*Result, error) {
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result := &Result{Cutoff: cutoff}
	logger := log.WithFields(log.Fields{"mailbox": mailbox, "cutoff": cutoff.Format(time.RFC3339)})

	jobs, err := e.store.DeleteJobsBefore(ctx, mailbox, cutoff)
	if err != nil {
		return nil, fmt.Errorf("retention jobs: %w", err)
	}
	result.JobsDeleted = jobs

	emails, err := e.store.EmailsBefore(ctx, mailbox, cutoff)
	if err != nil {
		return nil, fmt.Errorf("retention emails: %w", err)
	}

	if len(emails) > 0 {
		ids := make([]int64, 0, len(emails))
		for _, em := range emails {
			ids = append(ids, em.ID)
		}
		attachments, err := e.store.AttachmentsForEmails(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("retention attachments: %w", err)
		}

		for _, em := range emails {
			e.deleteObject(ctx, em.StorageKey, result, logger)
		}
		for _, att := range attachments {
			e.deleteObject(ctx, att.StorageKey, result, logger)
		}

		// Attachment rows go with their email rows via cascade.
		deleted, err := e.store.DeleteEmailsBefore(ctx, mailbox, cutoff)
		if err != nil {
			return nil, fmt.Errorf("retention email rows: %w", err)
		}
		result.EmailsDeleted = deleted
	}

	logger.WithFields(log.Fields{
		"jobs":            result.JobsDeleted,
		"emails":          result.EmailsDeleted,
		"objects":         result.ObjectsDeleted,
		"object_failures": result.ObjectsFailed,
	}).Info("retention pass finished")

	return result, nil
}

func (e *Enforcer) deleteObject(ctx context.Context, key string, result *Result, logger *log.Entry) {
	if key == "" {
		return
	}
	if err := e.objects.Delete(ctx, key); err != nil {
		logger.WithError(err).WithField("key", key).Warn("object delete failed")
		result.ObjectsFailed++
		return
	}
	result.ObjectsDeleted++
}
