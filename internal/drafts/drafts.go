// Package drafts persists composer text per user and destination.
package drafts

import (
	"context"
	"sync"
)

// Store keeps one draft per (user, destination key). Get returns "" when
// no draft exists; Set with empty text deletes.
type Store interface {
	Get(ctx context.Context, userID, key string) (string, error)
	Set(ctx context.Context, userID, key, text string) error
	Delete(ctx context.Context, userID, key string) error
	Close() error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	drafts map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, userID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[draftKey(userID, key)], nil
}

func (s *MemoryStore) Set(ctx context.Context, userID, key, text string) error {
	if text == "" {
		return s.Delete(ctx, userID, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[draftKey(userID, key)] = text
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, draftKey(userID, key))
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func draftKey(userID, key string) string {
	return "draft/" + userID + "/" + key
}
