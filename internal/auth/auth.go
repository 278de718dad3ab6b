package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Authenticator resolves a bearer credential to the identity it was issued
// for. Implementations may block (for example on a remote lookup) and must
// honor ctx cancellation.
type Authenticator interface {
	Resolve(ctx context.Context, credential string) (identity.Identity, error)
}

// IsUnauthorized reports whether err is a credential rejection rather than an
// internal failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials)
}

// New builds the Authenticator selected by cfg.AuthMode, wrapped in a
// resolution cache when cfg.AuthCacheSize > 0.
func New(cfg config.Config) (Authenticator, error) {
	var a Authenticator
	switch cfg.AuthMode {
	case config.AuthModeNone:
		a = NoneAuthenticator{Kind: cfg.IdentityKind}
	case config.AuthModeJWT:
		a = NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIdentityClaim, cfg.IdentityKind)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
	if cfg.AuthCacheSize > 0 {
		return NewCached(a, cfg.AuthCacheSize, cfg.AuthCacheTTL, nil)
	}
	return a, nil
}

// CredentialFromQuery returns the `token` query parameter.
func CredentialFromQuery(q url.Values) (string, error) {
	if token := strings.TrimSpace(q.Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// CredentialFromRequest accepts either `Authorization: Bearer <token>` or the
// `token` query parameter. The header wins when both are present.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(token), nil
	}
	return CredentialFromQuery(r.URL.Query())
}

// NoneAuthenticator treats the credential itself as the identity. It exists
// for local development only.
type NoneAuthenticator struct {
	Kind identity.Kind
}

func (a NoneAuthenticator) Resolve(ctx context.Context, credential string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if strings.TrimSpace(credential) == "" {
		return identity.Identity{}, ErrMissingCredentials
	}
	id, err := a.Kind.Parse(credential)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return id, nil
}
