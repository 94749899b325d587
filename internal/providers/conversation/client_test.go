package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCreateConversation(t *testing.T) {
	var got createBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/conversations", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"conversation_id":"c123","conversation_url":"https://join.example/c123","status":"active","replica_id":"r99999"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "k1", time.Second)
	conv, err := client.CreateConversation(context.Background(), CreateRequest{
		ReplicaID: "r12345",
		Context: Context{
			DemoID:        "d1",
			DemoTitle:     "Acme",
			VideoCount:    2,
			VideoTitles:   []string{"Intro", "Pricing"},
			HasCTA:        true,
			KnowledgeBase: "Acme sells anvils.",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "c123", conv.ID)
	assert.Equal(t, "https://join.example/c123", conv.URL)
	assert.Equal(t, "r99999", conv.ReplicaID)

	assert.Equal(t, "r12345", got.ReplicaID)
	assert.Equal(t, "Demo: Acme", got.ConversationName)
	assert.Contains(t, got.ConversationalContext, "Acme sells anvils.")
	assert.Contains(t, got.ConversationalContext, "Video 2: Pricing")
}

func TestClientCreateConversationFallsBackToRequestedReplica(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"conversation_id":"c1","conversation_url":"u"}`)
	}))
	defer server.Close()

	conv, err := NewClient(server.URL, "k", time.Second).CreateConversation(context.Background(), CreateRequest{ReplicaID: "rdefault"})
	require.NoError(t, err)
	assert.Equal(t, "rdefault", conv.ReplicaID)
}

func TestClientCreateConversationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"message":"concurrent conversation limit reached"}`)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "k", time.Second).CreateConversation(context.Background(), CreateRequest{ReplicaID: "r1"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "concurrent conversation limit reached", apiErr.Message)
}

func TestClientCreateConversationMissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"active"}`)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "k", time.Second).CreateConversation(context.Background(), CreateRequest{})
	assert.Error(t, err)
}

func TestClientWithoutAPIKey(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "", time.Second)

	_, err := client.CreateConversation(context.Background(), CreateRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, client.EndConversation(context.Background(), "c1"), ErrNotConfigured)
}

func TestClientEndConversation(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, NewClient(server.URL, "k", time.Second).EndConversation(context.Background(), "c42"))
	assert.Equal(t, "/v2/conversations/c42/end", path)
}

func TestClientEndConversationNotFoundIsEnded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL, "k", time.Second).EndConversation(context.Background(), "gone"))
}

func TestClientEndConversationServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	assert.Error(t, NewClient(server.URL, "k", time.Second).EndConversation(context.Background(), "c1"))
}

func TestClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "k", 20*time.Millisecond).CreateConversation(context.Background(), CreateRequest{})
	assert.Error(t, err)
}

func TestRenderContextTruncates(t *testing.T) {
	out := RenderContext(Context{DemoTitle: "Big", KnowledgeBase: strings.Repeat("x", maxContextChars*2)})
	assert.Len(t, out, maxContextChars)
}

func TestTruncationKeepsRunesWhole(t *testing.T) {
	name := ConversationName(Context{DemoTitle: "x" + strings.Repeat("é", 100)})
	assert.True(t, utf8.ValidString(name))
	assert.LessOrEqual(t, len(name), 120)
	assert.Equal(t, 119, len(name), "last two-byte rune does not fit")

	out := RenderContext(Context{DemoTitle: "T", KnowledgeBase: "x" + strings.Repeat("日本", maxContextChars)})
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), maxContextChars)
	assert.Greater(t, len(out), maxContextChars-utf8.UTFMax)

	assert.Equal(t, "Demo: short", ConversationName(Context{DemoTitle: "short"}))
}

func TestRenderContextCTA(t *testing.T) {
	out := RenderContext(Context{DemoTitle: "T", HasCTA: true, CTAText: "Book a call"})
	assert.Contains(t, out, "Book a call")

	out = RenderContext(Context{DemoTitle: "T"})
	assert.NotContains(t, out, "buying intent")
}
