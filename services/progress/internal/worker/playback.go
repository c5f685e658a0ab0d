package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/edu-platform/internal/platform/events"
	"github.com/example/edu-platform/services/progress/internal/tracker"
)

const playbackDurable = "progress_playback"

// PlaybackApplier applies a queued playback update at most once per event id.
type PlaybackApplier interface {
	RecordPlaybackEvent(ctx context.Context, eventID, subject, userID string, lessonID int64, seconds int) (bool, error)
}

// Fetcher is the pull side of a JetStream subscription.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

type disposition int

const (
	ack disposition = iota
	nak
	term
)

// PlaybackConsumer drains progress.playback and writes positions through the
// tracker.
type PlaybackConsumer struct {
	Log       *zap.Logger
	Applier   PlaybackApplier
	Sub       Fetcher
	BatchSize int
	MaxWait   time.Duration
}

// SubscribePlayback binds the durable pull consumer for playback commands.
func SubscribePlayback(js nats.JetStreamContext) (*nats.Subscription, error) {
	return js.PullSubscribe(tracker.SubjectPlayback, playbackDurable, nats.AckExplicit())
}

func NewPlaybackConsumer(log *zap.Logger, applier PlaybackApplier, sub Fetcher) *PlaybackConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &PlaybackConsumer{
		Log:       log,
		Applier:   applier,
		Sub:       sub,
		BatchSize: 100,
		MaxWait:   2 * time.Second,
	}
}

// Run fetches and applies batches until ctx is cancelled.
func (c *PlaybackConsumer) Run(ctx context.Context) error {
	c.Log.Info("playback consumer started", zap.String("subject", tracker.SubjectPlayback))
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.Sub.Fetch(c.BatchSize, nats.MaxWait(c.MaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.Log.Warn("playback fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			c.settle(m, c.handle(ctx, m.Subject, m.Data))
		}
	}
}

func (c *PlaybackConsumer) settle(m *nats.Msg, d disposition) {
	var err error
	switch d {
	case ack:
		err = m.Ack()
	case nak:
		err = m.Nak()
	case term:
		err = m.Term()
	}
	if err != nil {
		c.Log.Warn("playback settle failed", zap.Error(err))
	}
}

// handle applies one message. Malformed or unappliable commands are
// terminated; storage failures are redelivered.
func (c *PlaybackConsumer) handle(ctx context.Context, subject string, data []byte) disposition {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.EventID == "" {
		c.Log.Warn("playback: invalid envelope", zap.Error(err))
		return term
	}
	var cmd tracker.PlaybackCommand
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		c.Log.Warn("playback: invalid command", zap.String("event_id", env.EventID), zap.Error(err))
		return term
	}

	applied, err := c.Applier.RecordPlaybackEvent(ctx, env.EventID, subject, cmd.UserID, cmd.LessonID, cmd.Seconds)
	switch {
	case err == nil:
		if !applied {
			c.Log.Debug("playback: duplicate event", zap.String("event_id", env.EventID))
		}
		return ack
	case errors.Is(err, tracker.ErrInvalidInput),
		errors.Is(err, tracker.ErrNotFound),
		errors.Is(err, tracker.ErrUnauthenticated):
		c.Log.Warn("playback: dropping command",
			zap.String("event_id", env.EventID),
			zap.String("user_id", cmd.UserID),
			zap.Int64("lesson_id", cmd.LessonID),
			zap.Error(err),
		)
		return term
	default:
		c.Log.Error("playback: apply failed", zap.String("event_id", env.EventID), zap.Error(err))
		return nak
	}
}
