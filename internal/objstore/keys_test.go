package objstore

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var sentAt = time.Date(2026, 3, 10, 14, 30, 45, 0, time.UTC)

func TestMessageKeyWithSenderName(t *testing.T) {
	key := MessageKey("user@example.com", "f1", "msg-1", sentAt, "alice@example.com", "Alice Smith")
	assert.Equal(t, "user@example.com/emails/f1/2026-03-10_14-30-45_Alice_Smith_msg-1.eml", key)
}

func TestMessageKeyFallsBackToSenderEmail(t *testing.T) {
	key := MessageKey("user@example.com", "f1", "msg-1", sentAt, "alice@example.com", "")
	assert.Equal(t, "user@example.com/emails/f1/2026-03-10_14-30-45_aliceexample.com_msg-1.eml", key)
}

func TestMessageKeyDistinctForSameSenderSameSecond(t *testing.T) {
	a := MessageKey("user@example.com", "f1", "msg-1", sentAt, "alice@example.com", "Alice Smith")
	b := MessageKey("user@example.com", "f1", "msg-2", sentAt, "alice@example.com", "Alice Smith")
	assert.NotEqual(t, a, b)
}

func TestMessageKeyTrimsLongMessageID(t *testing.T) {
	key := MessageKey("user@example.com", "f1", strings.Repeat("x", 40)+"tail12345678", sentAt, "alice@example.com", "Alice Smith")
	assert.Equal(t, "user@example.com/emails/f1/2026-03-10_14-30-45_Alice_Smith_tail12345678.eml", key)
}

func TestMessageKeyFallsBackToMessageID(t *testing.T) {
	key := MessageKey("user@example.com", "f1", "msg-1", time.Time{}, "alice@example.com", "Alice")
	assert.Equal(t, "user@example.com/emails/f1/msg-1.eml", key)

	key = MessageKey("user@example.com", "f1", "msg-1", sentAt, "", "Alice")
	assert.Equal(t, "user@example.com/emails/f1/msg-1.eml", key)
}

func TestMessageKeyStripsUnsafeSenderRunes(t *testing.T) {
	key := MessageKey("user@example.com", "f1", "msg-1", sentAt, "x@example.com", `Bob "The / Builder" <x>`)
	assert.Equal(t, "user@example.com/emails/f1/2026-03-10_14-30-45_Bob_The_Builder_x_msg-1.eml", key)
}

func TestMessageKeyTruncatesLongSender(t *testing.T) {
	key := MessageKey("u@example.com", "f1", "msg-1", sentAt, "x@example.com", strings.Repeat("a", 80))
	name := key[strings.LastIndex(key, "/")+1:]
	assert.Equal(t, "2026-03-10_14-30-45_"+strings.Repeat("a", 50)+"_msg-1.eml", name)
}

func TestAttachmentKey(t *testing.T) {
	key := AttachmentKey("user@example.com", "msg-1", "att-9", "Q1 report (final).pdf")
	assert.Equal(t, "user@example.com/attachments/msg-1/att-9_Q1_report__final_.pdf", key)
}

func TestArchiveKey(t *testing.T) {
	key := ArchiveKey("user@example.com", sentAt)
	assert.Equal(t, "user@example.com/daily-zips/2026-03-10/user@example.com_2026-03-10.zip", key)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "message/rfc822", ContentTypeFor("mail.eml"))
	assert.Equal(t, "application/pdf", ContentTypeFor("Report.PDF"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("blob.xyz"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("no-extension"))
}
