package dedupe

import (
	"context"
	"sync"
	"time"
)

// Memory keeps claims in process memory.
type Memory struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[string]time.Time
	now    func() time.Time
}

// NewMemory returns a store whose claims expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, claims: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Claim(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweepLocked(now)
	if expires, ok := m.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.claims[key] = now.Add(m.ttl)
	return true, nil
}

func (m *Memory) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, key)
	return nil
}

func (m *Memory) sweepLocked(now time.Time) {
	for key, expires := range m.claims {
		if !now.Before(expires) {
			delete(m.claims, key)
		}
	}
}

var _ Store = (*Memory)(nil)
