package provider

import (
	"context"
	"fmt"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMailbox struct {
	folders []Folder
	err     error
	calls   int
}

func (s *stubMailbox) ListFolders(ctx context.Context, mailbox string) ([]Folder, error) {
	s.calls++
	return s.folders, s.err
}

func (s *stubMailbox) ListMessages(ctx context.Context, mailbox, folderID string, w Window) ([]Message, error) {
	s.calls++
	return nil, s.err
}

func (s *stubMailbox) GetRawMessage(ctx context.Context, mailbox, messageID string) ([]byte, error) {
	s.calls++
	return []byte("raw"), s.err
}

func (s *stubMailbox) ListAttachments(ctx context.Context, mailbox, messageID string) ([]Attachment, error) {
	s.calls++
	return nil, s.err
}

func (s *stubMailbox) DownloadAttachment(ctx context.Context, mailbox, messageID, attachmentID string) ([]byte, error) {
	s.calls++
	return []byte("att"), s.err
}

func TestGuardedPassesResultsThrough(t *testing.T) {
	inner := &stubMailbox{folders: []Folder{{ID: "f1", DisplayName: "Inbox"}}}
	g := NewGuarded(inner, 100, 100)

	folders, err := g.ListFolders(context.Background(), "a@example.com")
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Inbox", folders[0].DisplayName)

	raw, err := g.GetRawMessage(context.Background(), "a@example.com", "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), raw)
}

func TestGuardedOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	inner := &stubMailbox{err: fmt.Errorf("throttled")}
	g := NewGuarded(inner, 1000, 1000)

	for i := 0; i < 5; i++ {
		_, err := g.ListFolders(context.Background(), "a@example.com")
		assert.Error(t, err)
	}
	callsBeforeOpen := inner.calls

	// The breaker is open now; the provider is no longer called.
	_, err := g.ListFolders(context.Background(), "a@example.com")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, callsBeforeOpen, inner.calls)
}

func TestGuardedRespectsContextCancellation(t *testing.T) {
	inner := &stubMailbox{}
	// Zero available tokens after the burst forces the limiter to block.
	g := NewGuarded(inner, 1, 1)

	_, err := g.ListFolders(context.Background(), "a@example.com")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.ListFolders(ctx, "a@example.com")
	assert.Error(t, err)
}
