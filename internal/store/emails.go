package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Email is one backed-up message record. The (Mailbox, MessageID) pair is
// the dedup key: at most one row exists per pair and a row is never
// rewritten once inserted.
type Email struct {
	ID             int64
	Mailbox        string
	FolderID       string
	MessageID      string
	Subject        string
	SenderName     string
	SenderEmail    string
	Recipients     []string
	CcRecipients   []string
	BccRecipients  []string
	BodyPreview    string
	ReceivedDate   time.Time
	SentDate       time.Time
	HasAttachments bool
	StorageKey     string
	BackupStatus   string
	BackupDate     time.Time
}

// Attachment is one backed-up attachment record.
type Attachment struct {
	ID           int64
	EmailID      int64
	AttachmentID string
	Filename     string
	ContentType  string
	SizeBytes    int64
	StorageKey   string
	BackupDate   time.Time
}

// FolderSnapshot mirrors provider folder state. It is a cache, not
// authoritative.
type FolderSnapshot struct {
	Mailbox         string
	FolderID        string
	DisplayName     string
	ParentFolderID  string
	TotalItemCount  int
	UnreadItemCount int
}

// EmailExists reports whether a record already exists for the dedup key.
func (s *Store) EmailExists(ctx context.Context, mailbox, messageID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM emails WHERE mailbox = ? AND message_id = ?
	`, mailbox, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("email exists check: %w", err)
	}
	return true, nil
}

// InsertEmail writes a new message record and returns its row id.
func (s *Store) InsertEmail(ctx context.Context, e *Email) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO emails
		(mailbox, folder_id, message_id, subject, sender_name, sender_email,
		 recipients, cc_recipients, bcc_recipients, body_preview,
		 received_date, sent_date, has_attachments, storage_key,
		 backup_status, backup_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Mailbox, e.FolderID, e.MessageID, e.Subject, e.SenderName, e.SenderEmail,
		marshalAddrs(e.Recipients), marshalAddrs(e.CcRecipients), marshalAddrs(e.BccRecipients),
		e.BodyPreview, nullUnix(e.ReceivedDate), nullUnix(e.SentDate),
		e.HasAttachments, e.StorageKey, e.BackupStatus, e.BackupDate.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert email: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("email row id: %w", err)
	}
	return id, nil
}

// EmailsInWindow returns the mailbox's records whose backup date falls in
// [start, end], both bounds inclusive.
func (s *Store) EmailsInWindow(ctx context.Context, mailbox string, start, end time.Time) ([]Email, error) {
	rows, err := s.DB.QueryContext(ctx, emailSelect+`
		WHERE mailbox = ? AND backup_date >= ? AND backup_date <= ?
		ORDER BY backup_date
	`, mailbox, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("emails in window: %w", err)
	}
	defer rows.Close()
	return scanEmails(rows)
}

// EmailsBefore returns records backed up strictly before the cutoff. A
// record exactly at the cutoff is not included.
func (s *Store) EmailsBefore(ctx context.Context, mailbox string, cutoff time.Time) ([]Email, error) {
	rows, err := s.DB.QueryContext(ctx, emailSelect+`
		WHERE mailbox = ? AND backup_date < ?
	`, mailbox, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("emails before cutoff: %w", err)
	}
	defer rows.Close()
	return scanEmails(rows)
}

// DeleteEmailsBefore removes the mailbox's records backed up strictly before
// the cutoff. Attachment rows cascade.
func (s *Store) DeleteEmailsBefore(ctx context.Context, mailbox string, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM emails WHERE mailbox = ? AND backup_date < ?
	`, mailbox, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete old emails: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertAttachment writes a new attachment record.
func (s *Store) InsertAttachment(ctx context.Context, a *Attachment) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO email_attachments
		(email_id, attachment_id, filename, content_type, size_bytes, storage_key, backup_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.EmailID, a.AttachmentID, a.Filename, a.ContentType, a.SizeBytes, a.StorageKey, a.BackupDate.Unix())
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// AttachmentsForEmails returns attachment records belonging to the given
// email rows.
func (s *Store) AttachmentsForEmails(ctx context.Context, emailIDs []int64) ([]Attachment, error) {
	if len(emailIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(emailIDs)), ",")
	args := make([]any, len(emailIDs))
	for i, id := range emailIDs {
		args[i] = id
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, email_id, attachment_id, filename, content_type, size_bytes, storage_key, backup_date
		FROM email_attachments WHERE email_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("attachments for emails: %w", err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var a Attachment
		var backupDate int64
		if err := rows.Scan(&a.ID, &a.EmailID, &a.AttachmentID, &a.Filename,
			&a.ContentType, &a.SizeBytes, &a.StorageKey, &backupDate); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.BackupDate = time.Unix(backupDate, 0).UTC()
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// UpsertFolder refreshes one folder snapshot.
func (s *Store) UpsertFolder(ctx context.Context, f *FolderSnapshot) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO mail_folders
		(mailbox, folder_id, display_name, parent_folder_id, total_item_count, unread_item_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox, folder_id) DO UPDATE SET
			display_name = excluded.display_name,
			parent_folder_id = excluded.parent_folder_id,
			total_item_count = excluded.total_item_count,
			unread_item_count = excluded.unread_item_count,
			updated_at = excluded.updated_at
	`, f.Mailbox, f.FolderID, f.DisplayName, f.ParentFolderID,
		f.TotalItemCount, f.UnreadItemCount, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert folder: %w", err)
	}
	return nil
}

const emailSelect = `
	SELECT id, mailbox, folder_id, message_id, subject, sender_name, sender_email,
	       recipients, cc_recipients, bcc_recipients, body_preview,
	       received_date, sent_date, has_attachments, storage_key,
	       backup_status, backup_date
	FROM emails
`

func scanEmails(rows *sql.Rows) ([]Email, error) {
	var emails []Email
	for rows.Next() {
		var e Email
		var recipients, cc, bcc string
		var received, sent sql.NullInt64
		var backupDate int64
		if err := rows.Scan(&e.ID, &e.Mailbox, &e.FolderID, &e.MessageID,
			&e.Subject, &e.SenderName, &e.SenderEmail,
			&recipients, &cc, &bcc, &e.BodyPreview,
			&received, &sent, &e.HasAttachments, &e.StorageKey,
			&e.BackupStatus, &backupDate); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		e.Recipients = unmarshalAddrs(recipients)
		e.CcRecipients = unmarshalAddrs(cc)
		e.BccRecipients = unmarshalAddrs(bcc)
		e.ReceivedDate = unixTime(received)
		e.SentDate = unixTime(sent)
		e.BackupDate = time.Unix(backupDate, 0).UTC()
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

func marshalAddrs(addrs []string) string {
	if addrs == nil {
		addrs = []string{}
	}
	b, _ := json.Marshal(addrs)
	return string(b)
}

func unmarshalAddrs(s string) []string {
	var addrs []string
	_ = json.Unmarshal([]byte(s), &addrs)
	return addrs
}
