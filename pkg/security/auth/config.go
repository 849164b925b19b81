package auth

import (
	"fmt"
	"log/slog"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/security"
)

// Default orders: credential-carrying mechanisms are tried before key-less.
const (
	OrderJWT     = 0
	OrderAPIKey  = 500
	OrderKeyless = 1000
)

// New builds the authentication policy of plan.
func New(plan *domain.Plan, logger *slog.Logger) (security.AuthenticationPolicy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := settings(plan.SecurityConfiguration)
	switch plan.Security {
	case domain.SecurityKeyless, "":
		return NewKeyless(), nil
	case domain.SecurityAPIKey:
		return NewAPIKey(APIKeyConfig{
			Header:    cfg.string("header", DefaultAPIKeyHeader),
			Query:     cfg.string("query", DefaultAPIKeyQuery),
			Propagate: cfg.bool("propagateApiKey"),
		}, logger), nil
	case domain.SecurityJWT:
		return NewJWT(JWTConfig{
			Secret:        cfg.string("secret", ""),
			JWKS:          cfg.string("jwks", ""),
			Issuer:        cfg.string("issuer", ""),
			ClientIDClaim: cfg.string("clientIdClaim", ""),
			Propagate:     cfg.bool("propagateAuthHeader"),
		}, logger)
	default:
		return nil, fmt.Errorf("plan %q: unknown security type %q: %w", plan.ID, plan.Security, domain.ErrInvalidDefinition)
	}
}

type settings map[string]any

func (s settings) string(key, def string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (s settings) bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}
