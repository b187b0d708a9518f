package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"billingSyncAPI/internal/types/subscription"

	"github.com/redis/go-redis/v9"
)

// PendingStore correlates checkout-completion and subscription-created events
// that arrive in either order. Entries are best-effort and expire.
type PendingStore interface {
	Put(ctx context.Context, subscriptionID string, assoc subscription.PendingAssociation) error
	// Take returns and removes the entry. A missing entry is (nil, nil).
	Take(ctx context.Context, subscriptionID string) (*subscription.PendingAssociation, error)
	Delete(ctx context.Context, subscriptionID string) error
}

type pendingEntry struct {
	assoc     subscription.PendingAssociation
	expiresAt time.Time
}

// MemoryPendingStore keeps entries in process memory; they are lost on restart.
type MemoryPendingStore struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryPendingStore(ttl time.Duration) *MemoryPendingStore {
	return &MemoryPendingStore{
		entries: make(map[string]pendingEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryPendingStore) Put(_ context.Context, subscriptionID string, assoc subscription.PendingAssociation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[subscriptionID] = pendingEntry{assoc: assoc, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryPendingStore) Take(_ context.Context, subscriptionID string) (*subscription.PendingAssociation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[subscriptionID]
	if !ok {
		return nil, nil
	}
	delete(s.entries, subscriptionID)
	if s.now().After(entry.expiresAt) {
		return nil, nil
	}
	assoc := entry.assoc
	return &assoc, nil
}

func (s *MemoryPendingStore) Delete(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, subscriptionID)
	return nil
}

// Len reports the number of live entries.
func (s *MemoryPendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.now()
	for _, e := range s.entries {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}

// Sweep drops expired entries until ctx is done.
func (s *MemoryPendingStore) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for id, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

const pendingKeyPrefix = "billing:pending:"

// RedisPendingStore survives process restarts; Redis handles expiry.
type RedisPendingStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPendingStore(client *redis.Client, ttl time.Duration) *RedisPendingStore {
	return &RedisPendingStore{client: client, ttl: ttl}
}

func (s *RedisPendingStore) Put(ctx context.Context, subscriptionID string, assoc subscription.PendingAssociation) error {
	data, err := json.Marshal(assoc)
	if err != nil {
		return fmt.Errorf("failed to encode pending association: %w", err)
	}
	if err := s.client.Set(ctx, pendingKeyPrefix+subscriptionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending association: %w", err)
	}
	return nil
}

func (s *RedisPendingStore) Take(ctx context.Context, subscriptionID string) (*subscription.PendingAssociation, error) {
	data, err := s.client.GetDel(ctx, pendingKeyPrefix+subscriptionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending association: %w", err)
	}

	var assoc subscription.PendingAssociation
	if err := json.Unmarshal(data, &assoc); err != nil {
		return nil, fmt.Errorf("failed to decode pending association: %w", err)
	}
	return &assoc, nil
}

func (s *RedisPendingStore) Delete(ctx context.Context, subscriptionID string) error {
	if err := s.client.Del(ctx, pendingKeyPrefix+subscriptionID).Err(); err != nil {
		return fmt.Errorf("failed to delete pending association: %w", err)
	}
	return nil
}
