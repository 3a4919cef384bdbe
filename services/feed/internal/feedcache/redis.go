package feedcache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const globalField = "__global__"

// RedisBackend shares entries and epochs between instances.
// Epochs live in one hash without expiry; entries expire on their own.
type RedisBackend struct {
	Client *redis.Client
	Prefix string
}

// NewRedisBackend parses url and creates a client.
func NewRedisBackend(url, prefix string) (*RedisBackend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "feed"
	}
	return &RedisBackend{Client: redis.NewClient(opt), Prefix: prefix}, nil
}

func (r *RedisBackend) epochsKey() string { return r.Prefix + ":epochs" }

func (r *RedisBackend) Epochs(ctx context.Context, userID string) (Epochs, error) {
	vals, err := r.Client.HMGet(ctx, r.epochsKey(), globalField, "user:"+userID).Result()
	if err != nil {
		return Epochs{}, err
	}
	var ep Epochs
	if ep.Global, err = parseEpoch(vals[0]); err != nil {
		return Epochs{}, err
	}
	if ep.User, err = parseEpoch(vals[1]); err != nil {
		return Epochs{}, err
	}
	return ep, nil
}

func parseEpoch(v any) (uint64, error) {
	switch s := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseUint(s, 10, 64)
	default:
		return 0, errors.New("feedcache: unexpected epoch value")
	}
}

func (r *RedisBackend) BumpUser(ctx context.Context, userID string) error {
	return r.Client.HIncrBy(ctx, r.epochsKey(), "user:"+userID, 1).Err()
}

func (r *RedisBackend) BumpGlobal(ctx context.Context) error {
	return r.Client.HIncrBy(ctx, r.epochsKey(), globalField, 1).Err()
}

func (r *RedisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	b, err := r.Client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, key, b, ttl).Err()
}

func (r *RedisBackend) Ping(ctx context.Context) error { return r.Client.Ping(ctx).Err() }

func (r *RedisBackend) Close() error { return r.Client.Close() }
