// Package events publishes JSON commands and events to NATS JetStream.
// A nil *Publisher, or one built without a JetStream context, is a disabled
// stub whose callers fall back to synchronous handling.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var ErrDisabled = errors.New("async publish is disabled")

// Envelope wraps every payload published through Publisher.
type Envelope struct {
	EventID   string          `json:"event_id"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// JetStream is the subset of nats.JetStreamContext the publisher needs.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type Publisher struct {
	js      JetStream
	enabled bool
	log     *zap.Logger
}

func New(js JetStream, enabled bool, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, enabled: enabled, log: log}
}

func (p *Publisher) Enabled() bool {
	return p != nil && p.js != nil && p.enabled
}

// PublishJSON wraps payload in an Envelope with a fresh event id and waits for
// the JetStream ack. The event id doubles as the de-duplication id.
func (p *Publisher) PublishJSON(subject string, payload any) (string, error) {
	if !p.Enabled() {
		return "", ErrDisabled
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	env := Envelope{EventID: uuid.NewString(), CreatedAt: time.Now().UTC(), Data: data}
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if _, err := p.js.Publish(subject, body, nats.MsgId(env.EventID)); err != nil {
		p.log.Warn("events: publish failed", zap.String("subject", subject), zap.Error(err))
		return "", err
	}
	return env.EventID, nil
}
