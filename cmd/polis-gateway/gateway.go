package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine"
	"github.com/polisai/polis-gateway/pkg/engine/expr"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/polisai/polis-gateway/pkg/processor"
	"github.com/polisai/polis-gateway/pkg/storage"
	"github.com/polisai/polis-gateway/pkg/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	shutdownTimeout  = 10 * time.Second
	storePingTimeout = 5 * time.Second
)

// gateway owns the long-lived components of a serving process.
type gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	provider   *config.FileProvider
	store      storage.Store
	registry   *engine.Registry
	dispatcher *engine.Dispatcher
	simulator  *engine.Simulator
	metrics    *engine.Metrics
	breakers   *governance.CircuitBreakerManager

	applied atomic.Pointer[domain.Snapshot]
}

func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	if cfg.Definitions.File == "" {
		return nil, config.NewConfigMissingError("definitions.file").
			WithSuggestion("Set definitions.file or POLIS_DEFINITIONS_FILE")
	}

	evaluator, err := expr.NewEvaluator(expr.Options{Timeout: cfg.Gateway.ExpressionTimeout})
	if err != nil {
		return nil, fmt.Errorf("create expression evaluator: %w", err)
	}

	store, err := newStore(ctx, cfg.Subscriptions, logger)
	if err != nil {
		return nil, err
	}

	metrics := engine.NewMetrics()
	registry := engine.NewRegistry(engine.RegistryConfig{
		Policies: policy.NewDefaultRegistry(),
		Limiter:  governance.NewRateLimiter(),
		Metrics:  metrics,
		Logger:   logger,
	})

	breakers := governance.NewCircuitBreakerManager(breakerConfig(cfg.Gateway.Breaker), logger)
	upstream := engine.NewHTTPUpstream(engine.HTTPUpstreamConfig{
		Timeouts: governance.TimeoutConfig{
			RequestTimeout: cfg.Gateway.RequestTimeout,
			ConnectTimeout: cfg.Gateway.ConnectTimeout,
		},
		Breakers: breakers,
		Logger:   logger,
	})

	dispatcher, err := engine.NewDispatcher(engine.DispatcherConfig{
		Registry:      registry,
		Evaluator:     evaluator,
		Subscriptions: store,
		APIKeys:       store,
		Upstream:      upstream,
		Metrics:       metrics,
		Observers:     []processor.Observer{telemetry.NewProcessorMetrics()},
		ChunkSize:     cfg.Gateway.ChunkSize,
		Redactions:    redactions(cfg.Telemetry.Redactions),
		Logger:        logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	simulator, err := engine.NewSimulator(registry, evaluator, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	provider, err := config.NewFileProvider(config.FileProviderConfig{
		Path:     cfg.Definitions.File,
		Debounce: cfg.Definitions.Debounce,
		Logger:   logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	g := &gateway{
		cfg:        cfg,
		logger:     logger,
		provider:   provider,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		simulator:  simulator,
		metrics:    metrics,
		breakers:   breakers,
	}
	if err := g.apply(ctx, provider.Current()); err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

// newStore selects the subscription store. A Redis store must answer a ping
// before the gateway starts.
func newStore(ctx context.Context, cfg config.SubscriptionsConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.Store != config.StoreRedis {
		return storage.NewMemoryStore(), nil
	}

	store := storage.NewRedisStore(storage.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
		Breaker:  breakerConfig(cfg.Breaker),
		Logger:   logger,
	})
	pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect subscription store %s: %w", cfg.Redis.Address, err)
	}
	logger.Info("subscription store connected", slog.String("store", "redis"), slog.String("addr", cfg.Redis.Address))
	return store, nil
}

func redactions(cfg []config.RedactionConfig) []telemetry.Redaction {
	out := make([]telemetry.Redaction, 0, len(cfg))
	for _, r := range cfg {
		out = append(out, telemetry.Redaction{Attribute: r.Attribute, Strategy: r.Strategy})
	}
	return out
}

func breakerConfig(c config.BreakerConfig) governance.CircuitBreakerConfig {
	out := governance.DefaultCircuitBreakerConfig()
	if c.MaxRequests > 0 {
		out.MaxRequests = c.MaxRequests
	}
	if c.Interval > 0 {
		out.Interval = c.Interval
	}
	if c.Timeout > 0 {
		out.Timeout = c.Timeout
	}
	if c.FailureRatio > 0 {
		out.FailureRatio = c.FailureRatio
	}
	return out
}

// apply deploys a snapshot and then refreshes the subscription store from it.
// The snapshot already applied is skipped.
func (g *gateway) apply(ctx context.Context, snap *domain.Snapshot) error {
	if snap == nil || snap == g.applied.Load() {
		return nil
	}
	if err := g.registry.Apply(ctx, snap, g.cfg.Gateway.Organization); err != nil {
		return fmt.Errorf("deploy definitions: %w", err)
	}
	if err := g.store.Replace(ctx, snap.Subscriptions, snap.APIKeys); err != nil {
		return fmt.Errorf("refresh subscriptions: %w", err)
	}
	g.applied.Store(snap)
	g.logger.Info("definitions applied",
		slog.Int64("generation", snap.Generation),
		slog.Int("api_count", len(snap.APIs)),
		slog.Int("subscription_count", len(snap.Subscriptions)))
	return nil
}

// watchDefinitions applies every snapshot published by the provider until
// the channel closes.
func (g *gateway) watchDefinitions(ctx context.Context) {
	for snap := range g.provider.Subscribe() {
		if err := g.apply(ctx, snap); err != nil {
			g.logger.Error("failed to apply definitions", slog.Any("error", err))
		}
	}
}

// dataHandler serves gateway traffic.
func (g *gateway) dataHandler() http.Handler {
	return otelhttp.NewHandler(g.dispatcher, "polis.gateway")
}

// Run serves traffic until ctx is done, then shuts both listeners down.
func (g *gateway) Run(ctx context.Context) error {
	go g.watchDefinitions(ctx)

	tlsConfig, err := g.cfg.Server.TLS.Build()
	if err != nil {
		return err
	}

	data := &http.Server{
		Handler:           g.dataHandler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	admin := &http.Server{
		Handler:           g.adminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	if err := g.serve(data, g.cfg.Server.DataAddress, "data", errCh); err != nil {
		return err
	}
	if err := g.serve(admin, g.cfg.Server.AdminAddress, "admin", errCh); err != nil {
		_ = data.Close()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{data, admin} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Error("shutdown error", slog.Any("error", err))
		}
	}
	return runErr
}

func (g *gateway) serve(srv *http.Server, addr, name string, errCh chan<- error) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s listener %s: %w", name, addr, err)
	}
	g.logger.Info("server listening",
		slog.String("listener", name),
		slog.String("addr", listener.Addr().String()),
		slog.Bool("tls", srv.TLSConfig != nil))

	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(listener, "", "")
		} else {
			err = srv.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return nil
}

// Close releases the definitions watcher and the subscription store.
func (g *gateway) Close() error {
	return errors.Join(g.provider.Close(), g.store.Close())
}
