// Package locks provides reject-if-busy gates keyed by string.
// A lock is never a queue: a second TryAcquire on a held key fails fast.
package locks

import "context"

type Table interface {
	// TryAcquire takes key if free and reports whether it did.
	TryAcquire(ctx context.Context, key string) (bool, error)
	// Release frees key. Releasing a free key is a no-op.
	Release(ctx context.Context, key string) error
}

// None never blocks anyone. Useful for proving the store alone keeps sessions unique.
type None struct{}

func (None) TryAcquire(context.Context, string) (bool, error) { return true, nil }
func (None) Release(context.Context, string) error            { return nil }
