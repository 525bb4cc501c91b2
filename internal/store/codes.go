package store

import (
	"context"
	"sync"
	"time"
)

// CodeStore issues and redeems the single-use opaque codes that bridge a
// completed launch to an application session. Codes are short-lived and
// never durable; RedisSessionStore provides a shared implementation for
// multi-instance deployments.
type CodeStore interface {
	PutExchangeCode(ctx context.Context, code string, payload []byte, ttl time.Duration) error
	// RedeemExchangeCode returns the payload exactly once; a second redeem
	// or a redeem past the TTL returns ErrNotFound.
	RedeemExchangeCode(ctx context.Context, code string) ([]byte, error)
}

// MemoryCodeStore is a process-local CodeStore for single-instance
// deployments and tests. Expired entries are purged opportunistically on
// writes.
type MemoryCodeStore struct {
	mu      sync.Mutex
	entries map[string]memoryCode
}

type memoryCode struct {
	payload []byte
	expires time.Time
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{entries: make(map[string]memoryCode)}
}

func (m *MemoryCodeStore) PutExchangeCode(_ context.Context, code string, payload []byte, ttl time.Duration) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.entries {
		if v.expires.Before(now) {
			delete(m.entries, k)
		}
	}
	m.entries[code] = memoryCode{payload: payload, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryCodeStore) RedeemExchangeCode(_ context.Context, code string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.entries, code)
	if e.expires.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return e.payload, nil
}
