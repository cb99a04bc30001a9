package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisTTL = 24 * time.Hour

// Redis shares snapshots between clients through a redis server.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(addr string, ttl time.Duration) *Redis {
	return NewRedisClient(redis.NewClient(&redis.Options{Addr: addr}), ttl)
}

func NewRedisClient(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func redisKey(groupID string) string { return "groupsync:snapshot:" + groupID }

func (r *Redis) Load(ctx context.Context, groupID string) (Snapshot, bool, error) {
	b, err := r.rdb.Get(ctx, redisKey(groupID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap, err := decode(groupID, b)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (r *Redis) Save(ctx context.Context, snap Snapshot) error {
	b, err := encode(snap)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, redisKey(snap.GroupID), b, r.ttl).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
