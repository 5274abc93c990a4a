package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "imgw:token:"

// TokenRepository resolves access tokens issued by the auth service.
type TokenRepository interface {
	UserByToken(ctx context.Context, token string) (string, error)
	Put(ctx context.Context, token, userID string, ttl time.Duration) error
}

type redisTokenRepository struct {
	rdb *redis.Client
}

func NewTokenRepository(rdb *redis.Client) TokenRepository {
	return &redisTokenRepository{rdb: rdb}
}

// UserByToken returns "" without error for unknown or expired tokens.
func (r *redisTokenRepository) UserByToken(ctx context.Context, token string) (string, error) {
	uid, err := r.rdb.Get(ctx, tokenKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return uid, nil
}

func (r *redisTokenRepository) Put(ctx context.Context, token, userID string, ttl time.Duration) error {
	return r.rdb.Set(ctx, tokenKeyPrefix+token, userID, ttl).Err()
}
