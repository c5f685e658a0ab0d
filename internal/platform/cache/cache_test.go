package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ─── Memory backend ─────────────────────────────────────────────────────────

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Set(ctx, "k", []int64{1, 2, 3}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got []int64
	hit, err := m.Get(ctx, "k", &got)
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()
	_ = m.Set(ctx, "k", "v", time.Second)

	now = now.Add(2 * time.Second)
	var got string
	if hit, _ := m.Get(ctx, "k", &got); hit {
		t.Fatal("expected expired entry to miss")
	}
}

func TestMemory_ExpiredReadKeepsConcurrentRewrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	m.now = func() time.Time { return now }
	_ = m.Set(ctx, "k", "stale", time.Second)

	// A writer replaces the entry with a non-expiring one between the
	// expiry check and the delete.
	rewritten := false
	later := now.Add(2 * time.Second)
	m.now = func() time.Time {
		if !rewritten {
			rewritten = true
			_ = m.Set(ctx, "k", "fresh", 0)
		}
		return later
	}

	var got string
	if hit, _ := m.Get(ctx, "k", &got); hit {
		t.Fatal("expected the stale read to miss")
	}
	hit, err := m.Get(ctx, "k", &got)
	if err != nil || !hit {
		t.Fatalf("expected the rewritten entry to survive, got hit=%v err=%v", hit, err)
	}
	if got != "fresh" {
		t.Fatalf("expected fresh, got %q", got)
	}
}

func TestMemory_DeleteAndFlush(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "a", 1, 0)
	_ = m.Set(ctx, "b", 2, 0)

	_ = m.Delete(ctx, "a")
	var v int
	if hit, _ := m.Get(ctx, "a", &v); hit {
		t.Fatal("expected a to be deleted")
	}
	if hit, _ := m.Get(ctx, "b", &v); !hit {
		t.Fatal("expected b to survive delete of a")
	}
	_ = m.Flush(ctx)
	if hit, _ := m.Get(ctx, "b", &v); hit {
		t.Fatal("expected flush to drop b")
	}
}

// ─── Compute ────────────────────────────────────────────────────────────────

func TestCompute_CachesResult(t *testing.T) {
	c := New(NewMemory(), zap.NewNop())
	ctx := context.Background()
	var calls int32
	fn := func(context.Context) ([]int64, error) {
		atomic.AddInt32(&calls, 1)
		return []int64{42, 43}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := Compute(ctx, c, "course:1", time.Minute, fn)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if len(got) != 2 || got[0] != 42 {
			t.Fatalf("unexpected value %v", got)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestCompute_ErrorNotCached(t *testing.T) {
	c := New(NewMemory(), zap.NewNop())
	ctx := context.Background()
	boom := errors.New("boom")

	if _, err := Compute(ctx, c, "k", time.Minute, func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, err := Compute(ctx, c, "k", time.Minute, func(context.Context) (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Fatalf("expected recompute after error, got %d %v", got, err)
	}
}

func TestCompute_NilCache(t *testing.T) {
	got, err := Compute(context.Background(), nil, "k", time.Minute, func(context.Context) (string, error) { return "x", nil })
	if err != nil || got != "x" {
		t.Fatalf("expected passthrough, got %q %v", got, err)
	}
}

func TestCompute_DeduplicatesConcurrentMisses(t *testing.T) {
	c := New(NewMemory(), zap.NewNop())
	ctx := context.Background()
	var calls int32
	release := make(chan struct{})
	fn := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Compute(ctx, c, "hot", time.Minute, fn); err != nil {
				t.Errorf("compute: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected concurrent misses to share one call, got %d", calls)
	}
}

type failingBackend struct{ Memory }

func (*failingBackend) Get(context.Context, string, any) (bool, error) {
	return false, errors.New("backend down")
}

func (*failingBackend) Set(context.Context, string, any, time.Duration) error {
	return errors.New("backend down")
}

func TestCompute_BackendFailureFallsThrough(t *testing.T) {
	c := New(&failingBackend{}, zap.NewNop())
	got, err := Compute(context.Background(), c, "k", time.Minute, func(context.Context) (int, error) { return 5, nil })
	if err != nil || got != 5 {
		t.Fatalf("expected fallthrough to fn, got %d %v", got, err)
	}
}

// ─── Invalidation ───────────────────────────────────────────────────────────

func TestInvalidation_KeyAndAll(t *testing.T) {
	mem := NewMemory()
	c := New(mem, zap.NewNop())
	ctx := context.Background()
	_ = mem.Set(ctx, "a", 1, 0)
	_ = mem.Set(ctx, "b", 2, 0)

	c.handleInvalidation(&nats.Msg{Data: []byte("a")})
	var v int
	if hit, _ := mem.Get(ctx, "a", &v); hit {
		t.Fatal("expected a to be invalidated")
	}
	if hit, _ := mem.Get(ctx, "b", &v); !hit {
		t.Fatal("expected b to remain")
	}

	c.handleInvalidation(&nats.Msg{Data: []byte("ALL")})
	if hit, _ := mem.Get(ctx, "b", &v); hit {
		t.Fatal("expected ALL to flush")
	}
}

// ─── Redis backend ──────────────────────────────────────────────────────────

func TestNewRedis_InvalidURL(t *testing.T) {
	if _, err := NewRedis("not-a-url", "p:"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestRedis_UnreachableServerErrors(t *testing.T) {
	r, err := NewRedis("redis://127.0.0.1:1/0", "progress:")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()
	if r.key("course:1") != "progress:course:1" {
		t.Fatalf("unexpected key %q", r.key("course:1"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var v int
	if _, err := r.Get(ctx, "course:1", &v); err == nil {
		t.Fatal("expected error from unreachable redis")
	}
}
