package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/demoforge/internal/logger"
	"github.com/yoockh/demoforge/internal/providers/conversation"
)

type endOnlyProvider struct {
	err   error
	calls []string
}

func (p *endOnlyProvider) CreateConversation(context.Context, conversation.CreateRequest) (*conversation.Conversation, error) {
	return nil, errors.New("not used")
}

func (p *endOnlyProvider) EndConversation(_ context.Context, id string) error {
	p.calls = append(p.calls, id)
	return p.err
}

func newPool(provider conversation.Provider, requeued *[]TeardownJob) *TeardownWorkerPool {
	p := &TeardownWorkerPool{
		Provider:    provider,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		Logger:      logger.Discard(),
		requeue: func(_ context.Context, j TeardownJob) error {
			*requeued = append(*requeued, j)
			return nil
		},
	}
	p.defaults()
	return p
}

func TestTeardownProcessSuccess(t *testing.T) {
	var requeued []TeardownJob
	provider := &endOnlyProvider{}
	newPool(provider, &requeued).process(context.Background(), TeardownJob{ConversationID: "c1", Reason: "compensation"})

	assert.Equal(t, []string{"c1"}, provider.calls)
	assert.Empty(t, requeued)
}

func TestTeardownProcessRetriesThenGivesUp(t *testing.T) {
	var requeued []TeardownJob
	provider := &endOnlyProvider{err: errors.New("503")}
	pool := newPool(provider, &requeued)

	pool.process(context.Background(), TeardownJob{ConversationID: "c1", Attempt: 0})
	require.Len(t, requeued, 1)
	assert.Equal(t, 1, requeued[0].Attempt)

	pool.process(context.Background(), requeued[0])
	require.Len(t, requeued, 2)
	assert.Equal(t, 2, requeued[1].Attempt)

	pool.process(context.Background(), requeued[1])
	assert.Len(t, requeued, 2, "third failure is final")
	assert.Len(t, provider.calls, 3)
}

func TestJobFromMessage(t *testing.T) {
	j, ok := jobFromMessage(redis.XMessage{Values: TeardownJob{ConversationID: "c9", Reason: "sweep", Attempt: 2}.values()})
	require.True(t, ok)
	assert.Equal(t, TeardownJob{ConversationID: "c9", Reason: "sweep", Attempt: 2}, j)

	_, ok = jobFromMessage(redis.XMessage{Values: map[string]any{"reason": "x"}})
	assert.False(t, ok)
}

func TestStartRequiresDependencies(t *testing.T) {
	assert.Error(t, (&TeardownWorkerPool{}).Start(context.Background()))
}
