// Package outbox relays progress events from the store's outbox table to
// NATS JetStream.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/edu-platform/internal/platform/events"
	"github.com/example/edu-platform/internal/platform/natsconn"
	"github.com/example/edu-platform/services/progress/internal/store"
)

const (
	StreamName    = "PROGRESS"
	StreamSubject = "progress.>"
	streamMaxAge  = 7 * 24 * time.Hour
)

// Source is the outbox side of the store.
type Source interface {
	PublishPending(ctx context.Context, limit int, publish func(ctx context.Context, ev store.Event) error) (int, error)
}

// JetStream is the subset of nats.JetStreamContext the relay needs.
type JetStream interface {
	natsconn.StreamManager
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type Relay struct {
	Log          *zap.Logger
	Source       Source
	JS           JetStream
	BatchSize    int
	PollInterval time.Duration
}

func NewRelay(log *zap.Logger, src Source, js JetStream, poll time.Duration) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Relay{
		Log:          log,
		Source:       src,
		JS:           js,
		BatchSize:    100,
		PollInterval: poll,
	}
}

// EnsureStream creates the PROGRESS stream, which also carries the
// progress.playback command subject.
func (r *Relay) EnsureStream() error {
	return natsconn.EnsureStream(r.JS, StreamName, []string{StreamSubject}, streamMaxAge)
}

// Run flushes the outbox every PollInterval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.EnsureStream(); err != nil {
		return err
	}

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.Log.Warn("outbox flush failed", zap.Error(err))
			}
		}
	}
}

// Flush publishes pending events in batches until the outbox is drained or
// a publish fails, and returns how many were published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.Source.PublishPending(ctx, r.BatchSize, r.publish)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.BatchSize || ctx.Err() != nil {
			if total > 0 {
				r.Log.Debug("outbox flushed", zap.Int("published", total))
			}
			return total, nil
		}
	}
}

func (r *Relay) publish(_ context.Context, ev store.Event) error {
	body, err := json.Marshal(events.Envelope{EventID: ev.ID, CreatedAt: ev.CreatedAt, Data: ev.Payload})
	if err != nil {
		return err
	}
	_, err = r.JS.Publish(ev.Type, body, nats.MsgId(ev.ID))
	return err
}
