// Package provider defines the provider-agnostic mailbox contract used by the
// backup pipeline and the normalized message shapes it produces.
package provider

import (
	"context"
	"time"
)

// Name identifies a mail provider.
type Name string

const (
	NameMicrosoft Name = "MICROSOFT"
	NameGoogle    Name = "GOOGLE"
)

// Folder is a normalized mail folder.
type Folder struct {
	ID              string
	DisplayName     string
	ParentID        string
	TotalItemCount  int
	UnreadItemCount int
}

// Message is normalized message metadata. Raw content is fetched separately
// through GetRawMessage.
type Message struct {
	ID             string
	Subject        string
	SenderName     string
	SenderEmail    string
	To             []string
	Cc             []string
	Bcc            []string
	BodyPreview    string
	ReceivedAt     time.Time
	SentAt         time.Time
	HasAttachments bool
}

// Attachment is normalized attachment metadata.
type Attachment struct {
	ID          string
	Name        string
	ContentType string
	Size        int64
}

// Window bounds one backup run by received time. A zero Start means
// unbounded history.
type Window struct {
	Start time.Time
	End   time.Time
}

// Mailbox is the call contract against a remote mail provider. Implementations
// page internally; callers always receive the complete result set.
type Mailbox interface {
	ListFolders(ctx context.Context, mailbox string) ([]Folder, error)
	ListMessages(ctx context.Context, mailbox, folderID string, w Window) ([]Message, error)
	GetRawMessage(ctx context.Context, mailbox, messageID string) ([]byte, error)
	ListAttachments(ctx context.Context, mailbox, messageID string) ([]Attachment, error)
	DownloadAttachment(ctx context.Context, mailbox, messageID, attachmentID string) ([]byte, error)
}
