package provider

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Guarded wraps a Mailbox with a token-bucket rate limiter and a circuit
// breaker. Providers throttle aggressively on bulk export traffic; the
// limiter keeps us under the quota and the breaker stops hammering an
// endpoint that is already failing.
type Guarded struct {
	inner   Mailbox
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuarded wraps inner with rps requests per second and the given burst.
func NewGuarded(inner Mailbox, rps, burst int) *Guarded {
	return &Guarded{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "mail-provider",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (g *Guarded) call(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.breaker.Execute(fn)
}

func (g *Guarded) ListFolders(ctx context.Context, mailbox string) ([]Folder, error) {
	v, err := g.call(ctx, func() (interface{}, error) {
		return g.inner.ListFolders(ctx, mailbox)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Folder), nil
}

func (g *Guarded) ListMessages(ctx context.Context, mailbox, folderID string, w Window) ([]Message, error) {
	v, err := g.call(ctx, func() (interface{}, error) {
		return g.inner.ListMessages(ctx, mailbox, folderID, w)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Message), nil
}

func (g *Guarded) GetRawMessage(ctx context.Context, mailbox, messageID string) ([]byte, error) {
	v, err := g.call(ctx, func() (interface{}, error) {
		return g.inner.GetRawMessage(ctx, mailbox, messageID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (g *Guarded) ListAttachments(ctx context.Context, mailbox, messageID string) ([]Attachment, error) {
	v, err := g.call(ctx, func() (interface{}, error) {
		return g.inner.ListAttachments(ctx, mailbox, messageID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Attachment), nil
}

func (g *Guarded) DownloadAttachment(ctx context.Context, mailbox, messageID, attachmentID string) ([]byte, error) {
	v, err := g.call(ctx, func() (interface{}, error) {
		return g.inner.DownloadAttachment(ctx, mailbox, messageID, attachmentID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
