// Package events publishes backup lifecycle events to NATS JetStream. The
// backup service appends events to a sqlite outbox in the same database as
// the rest of the metadata; the dispatcher drains that outbox so events
// survive restarts and NATS outages.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/store"
)

const streamName = "BACKUP_EVENTS"

// Publisher is the NATS side of the outbox pipeline. It is constructed once
// at startup and fed exclusively by the Dispatcher; nothing publishes to
// JetStream directly.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailvault"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream declares the event stream. Duplicates keeps republished
// outbox rows idempotent on the broker side.
func (p *Publisher) EnsureStream() error {
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"backup.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create %s stream: %w", streamName, err)
	}
	return nil
}

// Publish sends one event keyed by the outbox row's message id, which
// JetStream uses for deduplication.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Dispatcher drains the sqlite outbox into NATS.
type Dispatcher struct {
	store     *store.Store
	publisher *Publisher
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st *store.Store, publisher *Publisher) *Dispatcher {
	return &Dispatcher{store: st, publisher: publisher}
}

// Run drains the outbox until ctx is cancelled. Publish failures push the
// row's next attempt into the future instead of dropping it.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, 100)
		if err != nil {
			log.WithError(err).Error("outbox dequeue failed")
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.WithError(err).WithField("outbox_id", msg.ID).Warn("publish failed, scheduling retry")
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				log.WithError(err).WithField("outbox_id", msg.ID).Warn("mark published failed")
			}
		}
	}
}
