package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/im-gateway/internal/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const presenceKeyPrefix = "imgw:presence:"

// releaseIfOwner deletes the device field only if it still names this connection.
var releaseIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// PresenceRepository mirrors the local session registry into Redis so other
// nodes can see which node holds a user's devices.
type PresenceRepository struct {
	rdb     *redis.Client
	node    string
	ttl     time.Duration
	timeout time.Duration
	log     *zap.Logger
}

var _ session.Observer = (*PresenceRepository)(nil)

func NewPresenceRepository(rdb *redis.Client, node string, ttl time.Duration, log *zap.Logger) *PresenceRepository {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PresenceRepository{rdb: rdb, node: node, ttl: ttl, timeout: time.Second, log: log.Named("presence")}
}

func presenceKey(userID string) string { return presenceKeyPrefix + userID }

func (r *PresenceRepository) value(c session.Conn) string { return r.node + "|" + c.ID() }

func (r *PresenceRepository) Online(key session.Key, c session.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, presenceKey(key.UserID), key.DeviceType, r.value(c))
	pipe.Expire(ctx, presenceKey(key.UserID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("presence online failed", zap.String("user_id", key.UserID), zap.Error(err))
	}
}

func (r *PresenceRepository) Offline(key session.Key, c session.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := releaseIfOwner.Run(ctx, r.rdb, []string{presenceKey(key.UserID)}, key.DeviceType, r.value(c)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.log.Warn("presence offline failed", zap.String("user_id", key.UserID), zap.Error(err))
	}
}

// Touch extends the user's presence entry; called on client heartbeats.
func (r *PresenceRepository) Touch(ctx context.Context, userID string) error {
	return r.rdb.Expire(ctx, presenceKey(userID), r.ttl).Err()
}

// Devices returns device type -> "node|connID" for the user across all nodes.
func (r *PresenceRepository) Devices(ctx context.Context, userID string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, presenceKey(userID)).Result()
}
