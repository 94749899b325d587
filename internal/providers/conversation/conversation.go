package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured is returned when no API key is set; every create then degrades.
var ErrNotConfigured = errors.New("conversation provider is not configured")

type Provider interface {
	CreateConversation(ctx context.Context, req CreateRequest) (*Conversation, error)
	EndConversation(ctx context.Context, conversationID string) error
}

type CreateRequest struct {
	ReplicaID string
	Context   Context
}

// Context describes the demo to the remote avatar.
type Context struct {
	DemoID        string
	DemoTitle     string
	VideoCount    int
	VideoTitles   []string
	VideoURLs     []string
	HasCTA        bool
	CTAText       string
	KnowledgeBase string
	CreatedAt     time.Time
}

type Conversation struct {
	ID        string
	URL       string
	ReplicaID string
	Name      string
	Status    string
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("conversation provider: status %d: %s", e.StatusCode, e.Message)
}
