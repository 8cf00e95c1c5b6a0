// ABOUTME: Bearer token supply for the realtime transport and history API.
// ABOUTME: Token issuance is external; this package only sources and sanity-checks tokens.

package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skylane/skylane-messaging/internal/transport"
)

// Token errors
var (
	ErrNoToken      = errors.New("no token available")
	ErrExpiredToken = errors.New("token expired")
)

// TokenSource supplies the current bearer token. Sources are consulted on
// every (re)connect so a rotated token is picked up automatically.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed-token source, used by tests and short-lived CLI runs.
type Static string

// Token returns the fixed token.
func (s Static) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// FromEnv reads the token from an environment variable on every call, so an
// external refresher that rewrites the variable is picked up.
type FromEnv string

// Token returns the current value of the environment variable.
func (e FromEnv) Token(ctx context.Context) (string, error) {
	token := os.Getenv(string(e))
	if token == "" {
		return "", fmt.Errorf("%w: $%s is empty", ErrNoToken, string(e))
	}
	return token, nil
}

// ExpiryChecking wraps a source and rejects tokens whose JWT "exp" claim has
// already passed. The signature is not verified here (the server does that);
// the point is failing fast as an auth error instead of burning a connect
// attempt on a token we know is dead.
type ExpiryChecking struct {
	Source TokenSource

	// Leeway treats tokens expiring within this window as already expired,
	// so a connect does not race the expiry.
	Leeway time.Duration
}

// Token fetches from the wrapped source and checks the exp claim.
func (c *ExpiryChecking) Token(ctx context.Context) (string, error) {
	token, err := c.Source.Token(ctx)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		// Opaque (non-JWT) tokens pass through untouched.
		return token, nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return token, nil
	}

	if time.Until(exp.Time) <= c.Leeway {
		return "", fmt.Errorf("%w: exp %s", ErrExpiredToken, exp.Time.Format(time.RFC3339))
	}
	return token, nil
}

// Credential adapts a TokenSource to the transport's credential callback.
func Credential(src TokenSource) transport.CredentialFunc {
	return func(ctx context.Context) (string, error) {
		return src.Token(ctx)
	}
}
