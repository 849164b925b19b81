package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string]*domain.Subscription
	byTriple      map[string]*domain.Subscription
	keys          map[string]*domain.APIKey
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*domain.Subscription),
		byTriple:      make(map[string]*domain.Subscription),
		keys:          make(map[string]*domain.APIKey),
	}
}

// GetByID retrieves a subscription by id.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %q: %w", id, ErrNotFound)
	}
	return sub, nil
}

// GetByAPIAndClientIDAndPlan retrieves the subscription of a client to an API plan.
func (s *MemoryStore) GetByAPIAndClientIDAndPlan(_ context.Context, api, clientID, plan string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.byTriple[tripleKey(api, clientID, plan)]
	if !ok {
		return nil, fmt.Errorf("subscription for api %q client %q plan %q: %w", api, clientID, plan, ErrNotFound)
	}
	return sub, nil
}

// GetByAPIAndKey retrieves an API key issued for api.
func (s *MemoryStore) GetByAPIAndKey(_ context.Context, api, key string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[api+":"+key]
	if !ok {
		return nil, fmt.Errorf("api key for api %q: %w", api, ErrNotFound)
	}
	return k, nil
}

// Save stores one subscription.
func (s *MemoryStore) Save(sub *domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.save(sub)
}

// SaveAPIKey stores one API key.
func (s *MemoryStore) SaveAPIKey(k *domain.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.API+":"+k.Key] = k
}

// Replace swaps the whole content of the store.
func (s *MemoryStore) Replace(_ context.Context, subscriptions []*domain.Subscription, keys []*domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = make(map[string]*domain.Subscription, len(subscriptions))
	s.byTriple = make(map[string]*domain.Subscription, len(subscriptions))
	for _, sub := range subscriptions {
		s.save(sub)
	}
	s.keys = make(map[string]*domain.APIKey, len(keys))
	for _, k := range keys {
		s.keys[k.API+":"+k.Key] = k
	}
	return nil
}

func (s *MemoryStore) save(sub *domain.Subscription) {
	s.subscriptions[sub.ID] = sub
	if sub.ClientID != "" {
		s.byTriple[tripleKey(sub.API, sub.ClientID, sub.Plan)] = sub
	}
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}
