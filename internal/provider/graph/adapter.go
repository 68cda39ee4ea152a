// Package graph implements provider.Mailbox for Microsoft 365 mailboxes via
// the Microsoft Graph SDK.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/mailvault/mailvault/internal/provider"
)

const pageSize = 100

var messageSelect = []string{
	"id", "subject", "from", "toRecipients", "ccRecipients", "bccRecipients",
	"bodyPreview", "receivedDateTime", "sentDateTime", "hasAttachments",
}

// Adapter implements provider.Mailbox for Outlook/Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// New creates a Graph adapter backed by the given token source.
func New(ts oauth2.TokenSource) (*Adapter, error) {
	cred := &tokenSourceCredential{source: ts}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}

	return &Adapter{client: client}, nil
}

// ListFolders returns every mail folder of the mailbox.
func (a *Adapter) ListFolders(ctx context.Context, mailbox string) ([]provider.Folder, error) {
	requestConfig := &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top:    int32Ptr(pageSize),
			Select: []string{"id", "displayName", "parentFolderId", "totalItemCount", "unreadItemCount"},
		},
	}

	result, err := a.client.Users().ByUserId(mailbox).MailFolders().Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("list mail folders: %w", err)
	}

	var folders []provider.Folder
	for {
		for _, f := range result.GetValue() {
			folders = append(folders, normalizeFolder(f))
		}

		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		result, err = users.NewItemMailFoldersRequestBuilder(*next, a.client.GetAdapter()).Get(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("list mail folders page: %w", err)
		}
	}

	return folders, nil
}

// ListMessages returns all messages of a folder received inside the window,
// following nextLink paging until exhausted.
func (a *Adapter) ListMessages(ctx context.Context, mailbox, folderID string, w provider.Window) ([]provider.Message, error) {
	params := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:     int32Ptr(pageSize),
		Select:  messageSelect,
		Orderby: []string{"receivedDateTime desc"},
	}
	if filter := windowFilter(w); filter != "" {
		params.Filter = &filter
	}

	result, err := a.client.Users().ByUserId(mailbox).MailFolders().ByMailFolderId(folderID).Messages().
		Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params})
	if err != nil {
		return nil, fmt.Errorf("list messages in folder %s: %w", folderID, err)
	}

	var messages []provider.Message
	for {
		for _, m := range result.GetValue() {
			messages = append(messages, normalizeMessage(m))
		}

		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		result, err = users.NewItemMailFoldersItemMessagesRequestBuilder(*next, a.client.GetAdapter()).Get(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("list messages page in folder %s: %w", folderID, err)
		}
	}

	return messages, nil
}

// GetRawMessage fetches the full MIME (EML) content of a message.
func (a *Adapter) GetRawMessage(ctx context.Context, mailbox, messageID string) ([]byte, error) {
	content, err := a.client.Users().ByUserId(mailbox).Messages().ByMessageId(messageID).Content().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get raw message %s: %w", messageID, err)
	}
	return content, nil
}

// ListAttachments returns attachment metadata for a message.
func (a *Adapter) ListAttachments(ctx context.Context, mailbox, messageID string) ([]provider.Attachment, error) {
	requestConfig := &users.ItemMessagesItemAttachmentsRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesItemAttachmentsRequestBuilderGetQueryParameters{
			Select: []string{"id", "name", "contentType", "size"},
		},
	}

	result, err := a.client.Users().ByUserId(mailbox).Messages().ByMessageId(messageID).Attachments().Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("list attachments of %s: %w", messageID, err)
	}

	var attachments []provider.Attachment
	for _, att := range result.GetValue() {
		attachments = append(attachments, normalizeAttachment(att))
	}
	return attachments, nil
}

// DownloadAttachment fetches one attachment's bytes. Only file attachments
// carry inline content; item and reference attachments are rejected.
func (a *Adapter) DownloadAttachment(ctx context.Context, mailbox, messageID, attachmentID string) ([]byte, error) {
	att, err := a.client.Users().ByUserId(mailbox).Messages().ByMessageId(messageID).Attachments().
		ByAttachmentId(attachmentID).Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("download attachment %s: %w", attachmentID, err)
	}

	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, fmt.Errorf("attachment %s has no inline content", attachmentID)
	}

	data := file.GetContentBytes()
	if data == nil {
		return nil, fmt.Errorf("attachment %s content is empty", attachmentID)
	}
	return data, nil
}

func windowFilter(w provider.Window) string {
	if w.Start.IsZero() && w.End.IsZero() {
		return ""
	}
	if w.Start.IsZero() {
		return fmt.Sprintf("receivedDateTime le %s", w.End.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("receivedDateTime ge %s and receivedDateTime le %s",
		w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

func normalizeFolder(f models.MailFolderable) provider.Folder {
	var folder provider.Folder
	if id := f.GetId(); id != nil {
		folder.ID = *id
	}
	if name := f.GetDisplayName(); name != nil {
		folder.DisplayName = *name
	}
	if parent := f.GetParentFolderId(); parent != nil {
		folder.ParentID = *parent
	}
	if total := f.GetTotalItemCount(); total != nil {
		folder.TotalItemCount = int(*total)
	}
	if unread := f.GetUnreadItemCount(); unread != nil {
		folder.UnreadItemCount = int(*unread)
	}
	return folder
}

func normalizeMessage(m models.Messageable) provider.Message {
	var msg provider.Message
	if id := m.GetId(); id != nil {
		msg.ID = *id
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				msg.SenderEmail = *addr
			}
			if name := emailAddr.GetName(); name != nil {
				msg.SenderName = *name
			}
		}
	}
	msg.To = extractAddresses(m.GetToRecipients())
	msg.Cc = extractAddresses(m.GetCcRecipients())
	msg.Bcc = extractAddresses(m.GetBccRecipients())
	if preview := m.GetBodyPreview(); preview != nil {
		msg.BodyPreview = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}
	if sent := m.GetSentDateTime(); sent != nil {
		msg.SentAt = *sent
	}
	if has := m.GetHasAttachments(); has != nil {
		msg.HasAttachments = *has
	}
	return msg
}

func normalizeAttachment(att models.Attachmentable) provider.Attachment {
	var a provider.Attachment
	if id := att.GetId(); id != nil {
		a.ID = *id
	}
	if name := att.GetName(); name != nil {
		a.Name = *name
	}
	if ct := att.GetContentType(); ct != nil {
		a.ContentType = *ct
	}
	if size := att.GetSize(); size != nil {
		a.Size = int64(*size)
	}
	return a
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// tokenSourceCredential adapts an oauth2.TokenSource to the Azure credential
// interface the Graph SDK expects.
type tokenSourceCredential struct {
	source oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.source.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("acquire graph token: %w", err)
	}
	return azcore.AccessToken{
		Token:     tok.AccessToken,
		ExpiresOn: tok.Expiry,
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
