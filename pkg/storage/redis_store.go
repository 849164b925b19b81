package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings of a RedisStore.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Breaker  governance.CircuitBreakerConfig
	Logger   *slog.Logger
}

// RedisStore reads subscriptions and API keys stored as JSON documents.
//
// Keys: <prefix>subscription:<id> holds the document, <prefix>subscription:idx:<api>:<client>:<plan>
// holds the id, <prefix>apikey:<api>:<key> holds the key document. Every call
// goes through a circuit breaker; a miss does not count as a failure.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	breaker *governance.CircuitBreaker
	logger  *slog.Logger
}

// NewRedisStore connects to Redis.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(client, cfg)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breakerCfg := cfg.Breaker
	breakerCfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled)
	}
	return &RedisStore{
		client:  client,
		prefix:  cfg.Prefix,
		breaker: governance.NewCircuitBreaker("subscriptions.redis", breakerCfg, logger),
		logger:  logger,
	}
}

func (s *RedisStore) subscriptionKey(id string) string {
	return s.prefix + "subscription:" + id
}

func (s *RedisStore) indexKey(api, clientID, plan string) string {
	return s.prefix + "subscription:idx:" + tripleKey(api, clientID, plan)
}

func (s *RedisStore) apiKeyKey(api, key string) string {
	return s.prefix + "apikey:" + api + ":" + key
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.breaker.Execute(func() error {
		return s.client.Ping(ctx).Err()
	})
}

// GetByID retrieves a subscription by id.
func (s *RedisStore) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := s.getJSON(ctx, s.subscriptionKey(id), &sub); err != nil {
		return nil, fmt.Errorf("subscription %q: %w", id, err)
	}
	return &sub, nil
}

// GetByAPIAndClientIDAndPlan resolves the index entry, then the subscription.
func (s *RedisStore) GetByAPIAndClientIDAndPlan(ctx context.Context, api, clientID, plan string) (*domain.Subscription, error) {
	var id string
	err := s.breaker.Execute(func() error {
		var err error
		id, err = s.client.Get(ctx, s.indexKey(api, clientID, plan)).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("subscription for api %q client %q plan %q: %w", api, clientID, plan, mapRedisErr(err))
	}
	return s.GetByID(ctx, id)
}

// GetByAPIAndKey retrieves an API key issued for api.
func (s *RedisStore) GetByAPIAndKey(ctx context.Context, api, key string) (*domain.APIKey, error) {
	var k domain.APIKey
	if err := s.getJSON(ctx, s.apiKeyKey(api, key), &k); err != nil {
		return nil, fmt.Errorf("api key for api %q: %w", api, err)
	}
	return &k, nil
}

// Save stores a subscription and its (api, client, plan) index entry.
func (s *RedisStore) Save(ctx context.Context, sub *domain.Subscription) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription %q: %w", sub.ID, err)
	}
	return s.breaker.Execute(func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.subscriptionKey(sub.ID), payload, 0)
			if sub.ClientID != "" {
				pipe.Set(ctx, s.indexKey(sub.API, sub.ClientID, sub.Plan), sub.ID, 0)
			}
			return nil
		})
		return err
	})
}

// SaveAPIKey stores one API key.
func (s *RedisStore) SaveAPIKey(ctx context.Context, k *domain.APIKey) error {
	payload, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("encode api key: %w", err)
	}
	return s.breaker.Execute(func() error {
		return s.client.Set(ctx, s.apiKeyKey(k.API, k.Key), payload, 0).Err()
	})
}

// Replace writes every subscription and key of a snapshot. Entries absent from
// the snapshot are left in place; Redis may be shared with other writers.
func (s *RedisStore) Replace(ctx context.Context, subscriptions []*domain.Subscription, keys []*domain.APIKey) error {
	for _, sub := range subscriptions {
		if err := s.Save(ctx, sub); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := s.SaveAPIKey(ctx, k); err != nil {
			return err
		}
	}
	s.logger.Debug("redis subscription store refreshed",
		slog.Int("subscriptions", len(subscriptions)),
		slog.Int("api_keys", len(keys)))
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	var raw []byte
	err := s.breaker.Execute(func() error {
		var err error
		raw, err = s.client.Get(ctx, key).Bytes()
		return err
	})
	if err != nil {
		return mapRedisErr(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func mapRedisErr(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}
