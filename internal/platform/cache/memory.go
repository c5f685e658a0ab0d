package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memItem struct {
	val       []byte
	expiresAt time.Time
}

// Memory is an in-process Backend. Values are stored JSON-encoded so callers
// never share mutable state with the cache.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memItem
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memItem), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !it.expiresAt.IsZero() && m.now().After(it.expiresAt) {
		m.mu.Lock()
		if cur, ok2 := m.items[key]; ok2 && !cur.expiresAt.IsZero() && m.now().After(cur.expiresAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(it.val, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Set stores v; a non-positive ttl never expires.
func (m *Memory) Set(_ context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	it := memItem{val: b}
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = it
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Flush(context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]memItem)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
