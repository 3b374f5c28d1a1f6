package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/caisse/internal/config"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const redisKeyPrefix = "caisse:lock:"

// RedisLocker holds locks as SET NX keys with a TTL.
type RedisLocker struct {
	client  *redis.Client
	script  *redis.Script
	timeout time.Duration
}

// NewRedisClient parses REDIS_URL.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("redis url is required for lock backend " + config.LockBackendRedis)
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func NewRedisLocker(client *redis.Client, timeout time.Duration) *RedisLocker {
	return &RedisLocker{
		client:  client,
		script:  redis.NewScript(lockReleaseScript),
		timeout: timeout,
	}
}

func (l *RedisLocker) Backend() string { return config.LockBackendRedis }

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if l == nil || l.client == nil {
		return Lease{}, false, errors.New("lock client not configured")
	}
	if err := validate(key, ttl); err != nil {
		return Lease{}, false, err
	}

	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return Lease{}, false, err
	}
	if !ok {
		return Lease{}, false, nil
	}
	return Lease{Key: key, Token: token, ExpiresAt: time.Now().UTC().Add(ttl)}, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, lease Lease) error {
	if l == nil || l.client == nil {
		return nil
	}
	if lease.Key == "" || lease.Token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{redisKeyPrefix + lease.Key}, lease.Token).Err()
}
