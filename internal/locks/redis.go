package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTable extends the gate across instances. Entries expire after ttl so a
// crashed holder cannot wedge a key forever.
type RedisTable struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedisTable(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisTable {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisTable{rdb: rdb, prefix: prefix, ttl: ttl, tokens: make(map[string]string)}
}

func (t *RedisTable) TryAcquire(ctx context.Context, key string) (bool, error) {
	token := uuid.NewString()
	ok, err := t.rdb.SetNX(ctx, t.prefix+key, token, t.ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	t.mu.Lock()
	t.tokens[key] = token
	t.mu.Unlock()
	return true, nil
}

func (t *RedisTable) Release(ctx context.Context, key string) error {
	t.mu.Lock()
	token, ok := t.tokens[key]
	delete(t.tokens, key)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return releaseScript.Run(ctx, t.rdb, []string{t.prefix + key}, token).Err()
}
