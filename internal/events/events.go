// Package events carries "session ready" notifications to callers that were
// told a creation was already in progress.
package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/yoockh/demoforge/internal/models"
)

type Publisher interface {
	PublishSessionReady(ctx context.Context, d *models.SessionDescriptor) error
}

type Subscriber interface {
	// SubscribeSessionReady delivers descriptors for demoID until ctx ends or close is called.
	SubscribeSessionReady(ctx context.Context, demoID string) (ready <-chan *models.SessionDescriptor, close func() error)
}

func Channel(demoID string) string { return "demo:" + demoID + ":session" }

// Nop drops every event.
type Nop struct{}

func (Nop) PublishSessionReady(context.Context, *models.SessionDescriptor) error { return nil }

type RedisBus struct {
	rdb redis.UniversalClient
}

func NewRedisBus(rdb redis.UniversalClient) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) PublishSessionReady(ctx context.Context, d *models.SessionDescriptor) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel(d.DemoID), payload).Err()
}

func (b *RedisBus) SubscribeSessionReady(ctx context.Context, demoID string) (<-chan *models.SessionDescriptor, func() error) {
	pubsub := b.rdb.Subscribe(ctx, Channel(demoID))
	out := make(chan *models.SessionDescriptor, 1)

	// wait for the server to confirm so a publish right after this call is seen
	if _, err := pubsub.Receive(ctx); err != nil {
		close(out)
		return out, pubsub.Close
	}

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var d models.SessionDescriptor
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				continue
			}
			select {
			case out <- &d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, pubsub.Close
}
