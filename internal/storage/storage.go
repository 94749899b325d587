package storage

import (
	"context"
	"time"
)

// Signer hands out short-lived read URLs for private media objects.
type Signer interface {
	SignedGetURL(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}
