package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRepository tracks issued admin tokens in Redis so logout can
// revoke them before they expire.
type TokenRepository struct {
	client *redis.Client
}

// NewTokenRepository constructs the repository.
func NewTokenRepository(client *redis.Client) *TokenRepository {
	return &TokenRepository{client: client}
}

func tokenKey(jti string) string {
	return "admin_token:" + jti
}

// Store registers a token id with a TTL matching its expiry.
func (r *TokenRepository) Store(ctx context.Context, jti, username string, ttl time.Duration) error {
	if err := r.client.Set(ctx, tokenKey(jti), username, ttl).Err(); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// Exists reports whether a token id is still registered.
func (r *TokenRepository) Exists(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, tokenKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check token: %w", err)
	}
	return n > 0, nil
}

// Revoke removes a token id.
func (r *TokenRepository) Revoke(ctx context.Context, jti string) error {
	if err := r.client.Del(ctx, tokenKey(jti)).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}
