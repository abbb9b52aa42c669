package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidToken is returned for missing, malformed, or unknown credentials.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator resolves a bearer credential to the owning principal id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (int64, error)
}

// RedisAuthenticator looks sessions up in Redis under "session:<token>",
// where the value is the owner id. Sessions are written by the identity
// service; this side only reads them.
type RedisAuthenticator struct {
	client *redis.Client
}

func NewRedisAuthenticator(client *redis.Client) *RedisAuthenticator {
	return &RedisAuthenticator{client: client}
}

func (a *RedisAuthenticator) Authenticate(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidToken
	}
	val, err := a.client.Get(ctx, "session:"+token).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrInvalidToken
	}
	if err != nil {
		return 0, fmt.Errorf("session lookup: %w", err)
	}
	ownerID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return ownerID, nil
}

var _ Authenticator = (*RedisAuthenticator)(nil)

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
