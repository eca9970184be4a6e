package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// AuthSessionPrefix is the Redis key prefix for authenticated web sessions.
	AuthSessionPrefix = "authsession:"

	// AuthSessionTTL is the sliding expiry applied on every successful lookup.
	AuthSessionTTL = 24 * time.Hour

	// CookieName is the browser cookie carrying the session token.
	CookieName = "session_token"
)

// ErrUnauthenticated is returned when a credential is missing, unknown or expired.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Verifier resolves a connection credential to a user id.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// RedisVerifier validates session tokens against the shared auth session
// store written by the login service.
type RedisVerifier struct {
	client *redis.Client
}

// NewRedisVerifier wraps an existing Redis client.
func NewRedisVerifier(client *redis.Client) *RedisVerifier {
	return &RedisVerifier{client: client}
}

// Verify looks up the token's session hash and returns its user id,
// refreshing the sliding TTL. Unknown tokens map to ErrUnauthenticated.
func (v *RedisVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrUnauthenticated
	}
	key := AuthSessionPrefix + credential

	userID, err := v.client.HGet(ctx, key, "user_id").Result()
	if err == redis.Nil {
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("auth: session lookup failed: %w", err)
	}
	if userID == "" {
		return "", ErrUnauthenticated
	}

	// Sliding expiry; a failure here does not invalidate the login.
	v.client.Expire(ctx, key, AuthSessionTTL)

	return userID, nil
}

// CredentialFromRequest extracts the session token from an upgrade request.
// The browser cookie is checked first, then an Authorization bearer token
// for non-browser clients. Returns "" when neither is present.
func CredentialFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
