// Package auth supplies the identity token that authenticates the client
// against the REST API and the push channel.
//
// Tokens are issued and verified by an external identity provider. The client
// only reads the claims it needs (user id, expiry) and never verifies the
// signature itself.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no identity token")
	ErrTokenExpired = errors.New("identity token expired")
	ErrNoSubject    = errors.New("identity token has no user id")
)

// Claims are the identity-token fields the client reads.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// UID returns the user id, preferring the provider's user_id claim over sub.
func (c *Claims) UID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Expired reports whether the token is past its expiry at now.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Time)
}

// ParseIdentity decodes the claims of an identity token without verifying
// its signature.
func ParseIdentity(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("parse identity token: %w", err)
	}
	if claims.UID() == "" {
		return nil, ErrNoSubject
	}
	return claims, nil
}

// TokenSource yields the current identity token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, as passed on the command line.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	claims, err := ParseIdentity(string(t))
	if err != nil {
		return "", err
	}
	if claims.Expired(time.Now()) {
		return "", ErrTokenExpired
	}
	return string(t), nil
}

// SetBearer adds the Authorization header when ts is non-nil.
func SetBearer(ctx context.Context, h http.Header, ts TokenSource) error {
	if ts == nil {
		return nil
	}
	tok, err := ts.Token(ctx)
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+tok)
	return nil
}
