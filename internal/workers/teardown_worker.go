package workers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/demoforge/internal/providers/conversation"
)

const (
	DefaultTeardownStream = "conversation:teardown"
	DefaultTeardownGroup  = "teardown-workers"
)

// TeardownJob asks for a remote conversation to be ended. Jobs come from
// failed compensation and failed sweep/end calls.
type TeardownJob struct {
	ConversationID string
	Reason         string
	Attempt        int
}

func (j TeardownJob) values() map[string]any {
	return map[string]any{
		"conversation_id": j.ConversationID,
		"reason":          j.Reason,
		"attempt":         strconv.Itoa(j.Attempt),
	}
}

func jobFromMessage(msg redis.XMessage) (TeardownJob, bool) {
	getStr := func(k string) string {
		s, _ := msg.Values[k].(string)
		return s
	}
	j := TeardownJob{ConversationID: getStr("conversation_id"), Reason: getStr("reason")}
	j.Attempt, _ = strconv.Atoi(getStr("attempt"))
	return j, j.ConversationID != ""
}

// RedisTeardownQueue appends jobs to a Redis stream.
type RedisTeardownQueue struct {
	Redis  redis.UniversalClient
	Stream string
}

func NewRedisTeardownQueue(rdb redis.UniversalClient) *RedisTeardownQueue {
	return &RedisTeardownQueue{Redis: rdb, Stream: DefaultTeardownStream}
}

func (q *RedisTeardownQueue) EnqueueTeardown(ctx context.Context, conversationID, reason string) error {
	return q.add(ctx, TeardownJob{ConversationID: conversationID, Reason: reason})
}

func (q *RedisTeardownQueue) add(ctx context.Context, j TeardownJob) error {
	return q.Redis.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: j.values()}).Err()
}

type TeardownWorkerPool struct {
	Redis       redis.UniversalClient
	Provider    conversation.Provider
	NumWorkers  int
	MaxAttempts int
	RetryDelay  time.Duration

	Logger *logrus.Logger

	Stream         string
	Group          string
	ConsumerPrefix string

	// requeue defaults to XAdd on Stream
	requeue func(ctx context.Context, j TeardownJob) error
}

func (p *TeardownWorkerPool) defaults() {
	if p.Stream == "" {
		p.Stream = DefaultTeardownStream
	}
	if p.Group == "" {
		p.Group = DefaultTeardownGroup
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "c"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 2
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = 5 * time.Second
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}
	if p.requeue == nil && p.Redis != nil {
		q := &RedisTeardownQueue{Redis: p.Redis, Stream: p.Stream}
		p.requeue = q.add
	}
}

func (p *TeardownWorkerPool) Start(ctx context.Context) error {
	if p.Redis == nil || p.Provider == nil {
		return errors.New("TeardownWorkerPool missing dependency: Redis/Provider must be set")
	}
	p.defaults()

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		go p.runConsumer(ctx, p.ConsumerPrefix+"-"+strconv.Itoa(i+1))
	}
	return nil
}

func (p *TeardownWorkerPool) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if j, ok := jobFromMessage(msg); ok {
					p.process(ctx, j)
				}
				_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
			}
		}
	}
}

// process ends the conversation, requeueing with a higher attempt count on
// failure until MaxAttempts is reached.
func (p *TeardownWorkerPool) process(ctx context.Context, j TeardownJob) {
	log := p.Logger.WithFields(logrus.Fields{
		"conversation_id": j.ConversationID,
		"reason":          j.Reason,
		"attempt":         j.Attempt,
	})

	err := p.Provider.EndConversation(ctx, j.ConversationID)
	if err == nil {
		log.Info("teardown: conversation ended")
		return
	}
	if j.Attempt+1 >= p.MaxAttempts {
		log.WithError(err).Error("teardown: giving up on conversation")
		return
	}

	log.WithError(err).Warn("teardown: end failed; retrying")
	select {
	case <-ctx.Done():
		return
	case <-time.After(p.RetryDelay):
	}
	j.Attempt++
	if err := p.requeue(ctx, j); err != nil {
		log.WithError(err).Error("teardown: requeue failed")
	}
}
