package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

const bearerPrefix = "Bearer "

// Claims tried for the client id when none is configured.
var defaultClientIDClaims = []string{"client_id", "azp"}

var (
	errTokenMissing     = runtime.Fail(http.StatusUnauthorized, runtime.KeyUnauthorized, "bearer token is missing")
	errTokenInvalid     = runtime.Fail(http.StatusUnauthorized, runtime.KeyUnauthorized, "bearer token is not valid")
	errNoClientID       = runtime.Fail(http.StatusUnauthorized, runtime.KeyUnauthorized, "bearer token carries no client id")
	errJWTInvalidClient = runtime.Fail(http.StatusUnauthorized, runtime.KeyInvalidSubscription, "no valid subscription for the token client")
)

// JWTConfig selects the verification key material. Exactly one of Secret
// (HS256) and JWKS (inline JSON key set) must be set.
type JWTConfig struct {
	Secret        string
	JWKS          string
	Issuer        string
	ClientIDClaim string
	ClockSkew     time.Duration
	Propagate     bool
}

// JWT authenticates bearer tokens and binds their client id for subscription lookup.
type JWT struct {
	cfg    JWTConfig
	key    jwt.ParseOption
	logger *slog.Logger
}

// NewJWT creates a JWT policy.
func NewJWT(cfg JWTConfig, logger *slog.Logger) (*JWT, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var key jwt.ParseOption
	switch {
	case cfg.Secret != "" && cfg.JWKS != "":
		return nil, fmt.Errorf("jwt: secret and jwks are exclusive: %w", domain.ErrInvalidDefinition)
	case cfg.Secret != "":
		key = jwt.WithKey(jwa.HS256, []byte(cfg.Secret))
	case cfg.JWKS != "":
		set, err := jwk.Parse([]byte(cfg.JWKS))
		if err != nil {
			return nil, fmt.Errorf("jwt: parse jwks: %w", errors.Join(domain.ErrInvalidDefinition, err))
		}
		key = jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true))
	default:
		return nil, fmt.Errorf("jwt: no verification key configured: %w", domain.ErrInvalidDefinition)
	}

	return &JWT{cfg: cfg, key: key, logger: logger}, nil
}

func (*JWT) Name() string              { return "jwt" }
func (*JWT) Order() int                { return OrderJWT }
func (*JWT) RequireSubscription() bool { return true }

func (*JWT) Supports(_ context.Context, ec *runtime.ExecutionContext) (bool, error) {
	return bearer(ec) != "", nil
}

func bearer(ec *runtime.ExecutionContext) string {
	h := ec.Request.Headers.Get("Authorization")
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

func (j *JWT) OnRequest(_ context.Context, ec *runtime.ExecutionContext) error {
	raw := bearer(ec)
	if raw == "" {
		return errTokenMissing
	}

	ts := ec.Timestamp()
	opts := []jwt.ParseOption{
		j.key,
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return ts })),
		jwt.WithAcceptableSkew(j.cfg.ClockSkew),
	}
	if j.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.cfg.Issuer))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		j.logger.Debug("bearer token rejected", slog.Any("error", err))
		return errTokenInvalid.WithCause(err)
	}

	clientID := j.clientID(token)
	if clientID == "" {
		return errNoClientID
	}

	if !j.cfg.Propagate {
		ec.Request.Headers.Del("Authorization")
	}
	ec.SetInternalAttribute(runtime.InternalSecurityToken, token)
	ec.SetAttribute(runtime.AttrClientID, clientID)
	if sub := token.Subject(); sub != "" {
		ec.SetAttribute(runtime.AttrUser, sub)
	}
	return nil
}

func (j *JWT) clientID(token jwt.Token) string {
	claims := defaultClientIDClaims
	if j.cfg.ClientIDClaim != "" {
		claims = []string{j.cfg.ClientIDClaim}
	}
	for _, name := range claims {
		if v, ok := token.Get(name); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func (j *JWT) OnMessageRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	return j.OnRequest(ctx, ec)
}

func (*JWT) OnInvalidSubscription(context.Context, *runtime.ExecutionContext) error {
	return errJWTInvalidClient
}
