package convhistory

import (
	"context"
	"sync"
	"time"
)

// MemKV is an in-memory KV reference implementation, safe for concurrent
// use. Production deployments back KV with Redis instead. A non-zero ttl
// (see APP_CONV_HIST_TTL_S) expires entries lazily on Get, mirroring a
// Redis SETEX without requiring a background sweep.
type MemKV struct {
	mu   sync.RWMutex
	data map[string][]byte
	exp  map[string]time.Time
	ttl  time.Duration
}

// NewMemKV creates a TTL-less in-memory KV store.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte), exp: make(map[string]time.Time)}
}

// NewMemKVWithTTL creates an in-memory KV store whose entries expire ttl
// after being written. ttl<=0 means entries never expire.
func NewMemKVWithTTL(ttl time.Duration) *MemKV {
	return &MemKV{data: make(map[string][]byte), exp: make(map[string]time.Time), ttl: ttl}
}

func (m *MemKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	v, ok := m.data[key]
	exp, hasExp := m.exp[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if hasExp && time.Now().After(exp) {
		m.mu.Lock()
		delete(m.data, key)
		delete(m.exp, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *MemKV) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	if m.ttl > 0 {
		m.exp[key] = time.Now().Add(m.ttl)
	} else {
		delete(m.exp, key)
	}
	return nil
}
