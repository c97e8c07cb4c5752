package processor

import (
	"context"
	"sync"
	"time"
)

// DedupeStore remembers message ids whose handler already succeeded.
type DedupeStore interface {
	Exists(ctx context.Context, messageID string) (bool, error)
	Add(ctx context.Context, messageID string) error
}

// InMemoryDedupeStore is a process-local DedupeStore with TTL expiry.
type InMemoryDedupeStore struct {
	mu    sync.RWMutex
	store map[string]time.Time
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

func NewInMemoryDedupeStore(ttl time.Duration) *InMemoryDedupeStore {
	store := &InMemoryDedupeStore{
		store: make(map[string]time.Time),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go store.cleanup()
	return store
}

func (s *InMemoryDedupeStore) Exists(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, exists := s.store[messageID]
	return exists && time.Now().Before(expiry), nil
}

func (s *InMemoryDedupeStore) Add(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[messageID] = time.Now().Add(s.ttl)
	return nil
}

// Close stops the cleanup goroutine.
func (s *InMemoryDedupeStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *InMemoryDedupeStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for id, expiry := range s.store {
				if now.After(expiry) {
					delete(s.store, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
