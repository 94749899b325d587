package cache

import (
	"context"
	"time"
)

// Cache is a TTL key/value store for JSON-encodable values.
// A value past its TTL is a miss.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
