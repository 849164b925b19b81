package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/storage"
)

const (
	DefaultAPIKeyHeader = "X-Gravitee-Api-Key"
	DefaultAPIKeyQuery  = "api-key"
)

var (
	errAPIKeyMissing = runtime.Fail(http.StatusUnauthorized, runtime.KeyUnauthorized, "API key is missing")
	errAPIKeyInvalid = runtime.Fail(http.StatusUnauthorized, runtime.KeyUnauthorized, "API key is not valid or is expired / revoked")
)

// APIKeyConfig locates the key in the request.
type APIKeyConfig struct {
	Header    string
	Query     string
	Propagate bool
}

// APIKey authenticates callers by a key issued for a subscription.
type APIKey struct {
	cfg    APIKeyConfig
	logger *slog.Logger
}

// NewAPIKey creates an API key policy.
func NewAPIKey(cfg APIKeyConfig, logger *slog.Logger) *APIKey {
	if cfg.Header == "" {
		cfg.Header = DefaultAPIKeyHeader
	}
	if cfg.Query == "" {
		cfg.Query = DefaultAPIKeyQuery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKey{cfg: cfg, logger: logger}
}

func (*APIKey) Name() string              { return "api-key" }
func (*APIKey) Order() int                { return OrderAPIKey }
func (*APIKey) RequireSubscription() bool { return true }

func (a *APIKey) Supports(_ context.Context, ec *runtime.ExecutionContext) (bool, error) {
	return a.extract(ec) != "", nil
}

func (a *APIKey) extract(ec *runtime.ExecutionContext) string {
	if key := ec.Request.Headers.Get(a.cfg.Header); key != "" {
		return key
	}
	return ec.Request.Query.Get(a.cfg.Query)
}

func (a *APIKey) OnRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	raw := a.extract(ec)
	if raw == "" {
		return errAPIKeyMissing
	}
	if !a.cfg.Propagate {
		ec.Request.Headers.Del(a.cfg.Header)
		ec.Request.Query.Del(a.cfg.Query)
	}

	svc, ok := runtime.Component[storage.APIKeyService](ec)
	if !ok || svc == nil {
		return errAPIKeyInvalid.WithCause(errors.New("api key service unavailable"))
	}

	key, err := svc.GetByAPIAndKey(ctx, ec.AttributeString(runtime.AttrAPI), raw)
	if err != nil {
		a.logger.Debug("api key lookup failed", slog.Any("error", err))
		return errAPIKeyInvalid.WithCause(err)
	}
	if !key.ValidAt(ec.Timestamp()) {
		return errAPIKeyInvalid
	}

	ec.SetInternalAttribute(runtime.InternalSecurityToken, key)
	ec.SetAttribute(runtime.AttrSubscriptionID, key.Subscription)
	ec.SetAttribute(runtime.AttrApplication, key.Application)
	return nil
}

func (a *APIKey) OnMessageRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	return a.OnRequest(ctx, ec)
}

func (*APIKey) OnInvalidSubscription(context.Context, *runtime.ExecutionContext) error {
	return errAPIKeyInvalid
}
