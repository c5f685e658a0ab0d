package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/edu-platform/internal/platform/events"
	"github.com/example/edu-platform/services/progress/internal/store"
	"github.com/example/edu-platform/services/progress/internal/store/storetest"
)

type published struct {
	subject string
	opts    int
	body    []byte
}

type fakeJS struct {
	mu       sync.Mutex
	streams  map[string]*nats.StreamConfig
	sent     []published
	failFrom int // publish fails once len(sent) reaches failFrom; 0 disables
}

func newFakeJS() *fakeJS { return &fakeJS{streams: map[string]*nats.StreamConfig{}} }

func (f *fakeJS) StreamInfo(name string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	cfg, ok := f.streams[name]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJS) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	c := *cfg
	f.streams[cfg.Name] = &c
	return &nats.StreamInfo{Config: c}, nil
}

func (f *fakeJS) UpdateStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	return f.AddStream(cfg)
}

func (f *fakeJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFrom > 0 && len(f.sent) >= f.failFrom {
		return nil, errors.New("nats: timeout")
	}
	f.sent = append(f.sent, published{subject: subj, opts: len(opts), body: data})
	return &nats.PubAck{Stream: StreamName}, nil
}

func (f *fakeJS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func envelope(t *testing.T, p published) events.Envelope {
	t.Helper()
	var env events.Envelope
	require.NoError(t, json.Unmarshal(p.body, &env))
	return env
}

func appendEvents(t *testing.T, s store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < n; i++ {
			if _, err := tx.AppendEvent(ctx, "progress.lesson.completed", map[string]int{"seq": i}, now.Add(time.Duration(i)*time.Second)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRelay_EnsureStream(t *testing.T) {
	js := newFakeJS()
	r := NewRelay(nil, storetest.New(t), js, 0)

	require.NoError(t, r.EnsureStream())
	cfg := js.streams[StreamName]
	require.NotNil(t, cfg)
	assert.Equal(t, []string{StreamSubject}, cfg.Subjects)
	assert.Equal(t, nats.FileStorage, cfg.Storage)
	assert.Equal(t, 2*time.Second, r.PollInterval)
}

func TestRelay_FlushPublishesEnvelopes(t *testing.T) {
	s := storetest.New(t)
	appendEvents(t, s, 3)
	js := newFakeJS()
	r := NewRelay(nil, s, js, time.Second)

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, js.sent, 3)

	for i, p := range js.sent {
		assert.Equal(t, "progress.lesson.completed", p.subject)
		assert.Equal(t, 1, p.opts, "expected the MsgId dedupe option")
		env := envelope(t, p)
		assert.NotEmpty(t, env.EventID)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(env.Data))
	}

	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "published events must not be sent twice")
}

func TestRelay_FlushDrainsInBatches(t *testing.T) {
	s := storetest.New(t)
	appendEvents(t, s, 5)
	js := newFakeJS()
	r := NewRelay(nil, s, js, time.Second)
	r.BatchSize = 2

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, js.sent, 5)
}

func TestRelay_FlushStopsAtFailureAndResumes(t *testing.T) {
	s := storetest.New(t)
	appendEvents(t, s, 4)
	js := newFakeJS()
	js.failFrom = 2
	r := NewRelay(nil, s, js, time.Second)

	n, err := r.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)

	js.failFrom = 0
	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, js.sent, 4)
	seen := map[string]bool{}
	for _, p := range js.sent {
		id := envelope(t, p).EventID
		assert.False(t, seen[id], "duplicate publish of %s", id)
		seen[id] = true
	}
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	s := storetest.New(t)
	appendEvents(t, s, 1)
	js := newFakeJS()
	r := NewRelay(nil, s, js, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return js.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
