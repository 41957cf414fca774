package adapter

import (
	"context"
	"sort"
	"sync"

	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
)

// Store is the persistent key-value storage shared by every instance of a
// process group. Values are opaque encoded documents; the store performs no
// validation beyond keeping the bytes it was given.
type Store interface {
	// Get retrieves the encoded value for a key.
	// The boolean return indicates whether the key was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores the encoded value for a key, replacing any prior entry.
	Set(ctx context.Context, key string, value []byte) error
	// Keys returns the list of keys available in the store.
	Keys(ctx context.Context) ([]string, error)
}

// InMemoryStore is a Store backed by a map. A single InMemoryStore shared
// between instances plays the role of the origin-wide storage area.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
	used  int
	quota int
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithQuota bounds the total number of key and value bytes the store may
// hold. Writes that would exceed it fail with ErrQuotaExceeded.
// A non-positive quota means unbounded.
func WithQuota(bytes int) InMemoryOption {
	return func(s *InMemoryStore) {
		s.quota = bytes
	}
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{items: make(map[string][]byte)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.used + len(value)
	if old, ok := s.items[key]; ok {
		used -= len(old)
	} else {
		used += len(key)
	}
	if s.quota > 0 && used > s.quota {
		return warperrors.ErrQuotaExceeded
	}
	s.items[key] = append([]byte(nil), value...)
	s.used = used
	return nil
}

// Keys implements Store.Keys. Keys are returned in lexical order.
func (s *InMemoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
