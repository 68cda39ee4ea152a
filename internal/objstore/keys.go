package objstore

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	senderCleanRe   = regexp.MustCompile(`[^a-zA-Z0-9\s.-]`)
	spacesRe        = regexp.MustCompile(`\s+`)
	filenameCleanRe = regexp.MustCompile(`[^a-zA-Z0-9.-]`)
)

// MessageKey builds the storage key for one message's raw content. The
// filename is derived from the sent date and sender so backed-up mailboxes
// stay browsable; when either is missing the provider message id is used
// instead.
func MessageKey(mailbox, folderID, messageID string, sentAt time.Time, senderEmail, senderName string) string {
	return path.Join(mailbox, "emails", folderID, emailFileName(messageID, sentAt, senderEmail, senderName))
}

func emailFileName(messageID string, sentAt time.Time, senderEmail, senderName string) string {
	if sentAt.IsZero() || senderEmail == "" {
		return messageID + ".eml"
	}

	date := sentAt.UTC().Format("2006-01-02_15-04-05")

	sender := senderName
	if sender == "" {
		sender = senderEmail
	}
	sender = senderCleanRe.ReplaceAllString(sender, "")
	sender = spacesRe.ReplaceAllString(strings.TrimSpace(sender), "_")
	if len(sender) > 50 {
		sender = sender[:50]
	}
	if sender == "" {
		return messageID + ".eml"
	}

	// A date+sender name is not unique on its own: two messages sent in
	// the same second would overwrite each other. A tail of the message
	// id keeps keys distinct.
	id := filenameCleanRe.ReplaceAllString(messageID, "")
	if len(id) > 12 {
		id = id[len(id)-12:]
	}
	if id == "" {
		return fmt.Sprintf("%s_%s.eml", date, sender)
	}
	return fmt.Sprintf("%s_%s_%s.eml", date, sender, id)
}

// AttachmentKey builds the storage key for one attachment.
func AttachmentKey(mailbox, messageID, attachmentID, filename string) string {
	clean := filenameCleanRe.ReplaceAllString(filename, "_")
	return path.Join(mailbox, "attachments", messageID, attachmentID+"_"+clean)
}

// ArchiveKey builds the storage key for a daily archive bundle.
func ArchiveKey(mailbox string, date time.Time) string {
	dateStr := date.UTC().Format("2006-01-02")
	return path.Join(mailbox, "daily-zips", dateStr, fmt.Sprintf("%s_%s.zip", mailbox, dateStr))
}

// contentTypes maps file extensions to MIME types for uploads.
var contentTypes = map[string]string{
	".eml":  "message/rfc822",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".html": "text/html",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".zip":  "application/zip",
}

// ContentTypeFor picks a MIME type for a filename by extension.
func ContentTypeFor(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
