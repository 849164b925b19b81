// Package storage provides the subscription and API key lookups used by
// security plans, backed by memory or Redis.
package storage

import (
	"context"
	"errors"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// ErrNotFound is returned when a requested subscription or key does not exist in the store.
var ErrNotFound = errors.New("not found")

// SubscriptionService is the keyed lookup of subscriptions.
type SubscriptionService interface {
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	GetByAPIAndClientIDAndPlan(ctx context.Context, api, clientID, plan string) (*domain.Subscription, error)
}

// APIKeyService resolves API keys presented by callers.
type APIKeyService interface {
	GetByAPIAndKey(ctx context.Context, api, key string) (*domain.APIKey, error)
}

// Store is a SubscriptionService and APIKeyService that can be refreshed from
// a definitions snapshot.
type Store interface {
	SubscriptionService
	APIKeyService
	Replace(ctx context.Context, subscriptions []*domain.Subscription, keys []*domain.APIKey) error
	Close() error
}

func tripleKey(api, clientID, plan string) string {
	return api + ":" + clientID + ":" + plan
}
