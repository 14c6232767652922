package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Lock is a best-effort lease held in Redis. It serializes work on a
// key across engine instances; the TTL bounds how long a crashed
// holder can block others.
type Lock struct {
	client goredis.UniversalClient
	key    string
	token  string
}

// releaseScript deletes the lock only if the caller still holds it.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// AcquireLock attempts to take a lease on key for ttl. It returns
// (nil, false, nil) when another holder has the lease.
func AcquireLock(ctx context.Context, client goredis.UniversalClient, key string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.New().String()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: client, key: key, token: token}, true, nil
}

// Release drops the lease if this holder still owns it. Expired and
// reacquired leases are left alone.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != goredis.Nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
