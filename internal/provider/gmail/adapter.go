// Package gmail implements provider.Mailbox for Gmail accounts. Labels play
// the role of folders.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mailvault/mailvault/internal/auth"
	"github.com/mailvault/mailvault/internal/provider"
)

// Adapter implements provider.Mailbox for Gmail.
type Adapter struct {
	svc *gmailapi.Service
}

// New creates a Gmail adapter from an OAuth token.
func New(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmailapi.GmailReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// ListFolders returns the mailbox's labels as folders. Message counts come
// from a per-label lookup since the list call omits them.
func (a *Adapter) ListFolders(ctx context.Context, mailbox string) ([]provider.Folder, error) {
	resp, err := a.svc.Users.Labels.List(mailbox).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	var folders []provider.Folder
	for _, l := range resp.Labels {
		detail, err := a.svc.Users.Labels.Get(mailbox, l.Id).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("get label %s: %w", l.Id, err)
		}
		folders = append(folders, provider.Folder{
			ID:              detail.Id,
			DisplayName:     detail.Name,
			TotalItemCount:  int(detail.MessagesTotal),
			UnreadItemCount: int(detail.MessagesUnread),
		})
	}
	return folders, nil
}

// ListMessages lists all messages under a label inside the window.
func (a *Adapter) ListMessages(ctx context.Context, mailbox, folderID string, w provider.Window) ([]provider.Message, error) {
	call := a.svc.Users.Messages.List(mailbox).LabelIds(folderID).IncludeSpamTrash(false).MaxResults(100)
	if q := windowQuery(w); q != "" {
		call = call.Q(q)
	}

	var messages []provider.Message
	err := call.Pages(ctx, func(page *gmailapi.ListMessagesResponse) error {
		for _, m := range page.Messages {
			meta, err := a.svc.Users.Messages.Get(mailbox, m.Id).Format("metadata").Context(ctx).Do()
			if err != nil {
				return fmt.Errorf("get message %s: %w", m.Id, err)
			}
			messages = append(messages, normalize(meta))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages under label %s: %w", folderID, err)
	}

	return messages, nil
}

// GetRawMessage fetches the full RFC 2822 content of a message.
func (a *Adapter) GetRawMessage(ctx context.Context, mailbox, messageID string) ([]byte, error) {
	msg, err := a.svc.Users.Messages.Get(mailbox, messageID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get raw message %s: %w", messageID, err)
	}

	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw message %s: %w", messageID, err)
	}
	return data, nil
}

// ListAttachments walks the message payload tree and returns every part that
// carries an attachment id.
func (a *Adapter) ListAttachments(ctx context.Context, mailbox, messageID string) ([]provider.Attachment, error) {
	msg, err := a.svc.Users.Messages.Get(mailbox, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}

	var attachments []provider.Attachment
	collectAttachments(msg.Payload, &attachments)
	return attachments, nil
}

// DownloadAttachment fetches one attachment's bytes.
func (a *Adapter) DownloadAttachment(ctx context.Context, mailbox, messageID, attachmentID string) ([]byte, error) {
	body, err := a.svc.Users.Messages.Attachments.Get(mailbox, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("download attachment %s: %w", attachmentID, err)
	}

	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

func collectAttachments(part *gmailapi.MessagePart, out *[]provider.Attachment) {
	if part == nil {
		return
	}
	if part.Body != nil && part.Body.AttachmentId != "" {
		*out = append(*out, provider.Attachment{
			ID:          part.Body.AttachmentId,
			Name:        part.Filename,
			ContentType: part.MimeType,
			Size:        part.Body.Size,
		})
	}
	for _, child := range part.Parts {
		collectAttachments(child, out)
	}
}

// windowQuery builds a Gmail search expression for the window. Gmail's
// after/before operators take unix timestamps and are end-exclusive, hence
// the +1 on the upper bound.
func windowQuery(w provider.Window) string {
	if w.Start.IsZero() && w.End.IsZero() {
		return ""
	}
	if w.Start.IsZero() {
		return fmt.Sprintf("before:%d", w.End.Unix()+1)
	}
	return fmt.Sprintf("after:%d before:%d", w.Start.Unix(), w.End.Unix()+1)
}

func normalize(m *gmailapi.Message) provider.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	senderName, senderEmail := parseSender(headers["From"])

	return provider.Message{
		ID:             m.Id,
		Subject:        headers["Subject"],
		SenderName:     senderName,
		SenderEmail:    senderEmail,
		To:             splitAddrs(headers["To"]),
		Cc:             splitAddrs(headers["Cc"]),
		Bcc:            splitAddrs(headers["Bcc"]),
		BodyPreview:    m.Snippet,
		ReceivedAt:     time.UnixMilli(m.InternalDate),
		SentAt:         time.UnixMilli(m.InternalDate),
		HasAttachments: hasAttachmentParts(m.Payload),
	}
}

func hasAttachmentParts(part *gmailapi.MessagePart) bool {
	if part == nil {
		return false
	}
	if part.Body != nil && part.Body.AttachmentId != "" {
		return true
	}
	for _, child := range part.Parts {
		if hasAttachmentParts(child) {
			return true
		}
	}
	return false
}

func parseSender(from string) (name, email string) {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "", strings.TrimSpace(from)
	}
	return addr.Name, addr.Address
}

// splitAddrs parses comma-separated email addresses.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
