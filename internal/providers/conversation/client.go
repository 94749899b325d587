package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// maxContextChars bounds the conversational context sent upstream.
const maxContextChars = 12000

// Client talks to the hosted video-conversation API (v2 conversations).
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Provider = (*Client)(nil)

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type createBody struct {
	ReplicaID             string         `json:"replica_id"`
	ConversationName      string         `json:"conversation_name"`
	ConversationalContext string         `json:"conversational_context"`
	Properties            map[string]any `json:"properties,omitempty"`
}

type createResponse struct {
	ConversationID   string `json:"conversation_id"`
	ConversationName string `json:"conversation_name"`
	ConversationURL  string `json:"conversation_url"`
	Status           string `json:"status"`
	ReplicaID        string `json:"replica_id"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) CreateConversation(ctx context.Context, req CreateRequest) (*Conversation, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	body := createBody{
		ReplicaID:             req.ReplicaID,
		ConversationName:      ConversationName(req.Context),
		ConversationalContext: RenderContext(req.Context),
		Properties: map[string]any{
			"max_call_duration":        3600,
			"participant_left_timeout": 60,
		},
	}

	var out createResponse
	if err := c.do(ctx, http.MethodPost, "/v2/conversations", body, &out); err != nil {
		return nil, err
	}
	if out.ConversationID == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "response missing conversation_id"}
	}

	replica := out.ReplicaID
	if replica == "" {
		replica = req.ReplicaID
	}
	return &Conversation{
		ID:        out.ConversationID,
		URL:       out.ConversationURL,
		ReplicaID: replica,
		Name:      out.ConversationName,
		Status:    out.Status,
	}, nil
}

// EndConversation is idempotent: a conversation the provider no longer knows is treated as ended.
func (c *Client) EndConversation(ctx context.Context, conversationID string) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}
	err := c.do(ctx, http.MethodPost, "/v2/conversations/"+url.PathEscape(conversationID)+"/end", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte, fallback string) string {
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 512 {
		return s
	}
	return fallback
}

func ConversationName(c Context) string {
	return truncate("Demo: "+c.DemoTitle, 120)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// RenderContext turns the demo description into the avatar's briefing text.
func RenderContext(c Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are presenting the product demo %q (demo id %s).\n", c.DemoTitle, c.DemoID)
	fmt.Fprintf(&b, "The demo has %d video(s).", c.VideoCount)
	for i, t := range c.VideoTitles {
		if t == "" {
			continue
		}
		fmt.Fprintf(&b, "\n- Video %d: %s", i+1, t)
		if i < len(c.VideoURLs) && c.VideoURLs[i] != "" {
			fmt.Fprintf(&b, " (%s)", c.VideoURLs[i])
		}
	}
	b.WriteString("\n")
	if c.HasCTA {
		cta := c.CTAText
		if cta == "" {
			cta = "the call to action"
		}
		fmt.Fprintf(&b, "When the viewer shows buying intent, point them to %s.\n", cta)
	}
	if !c.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Session started at %s.\n", c.CreatedAt.UTC().Format(time.RFC3339))
	}
	if c.KnowledgeBase != "" {
		b.WriteString("\nKnowledge base:\n")
		b.WriteString(c.KnowledgeBase)
	}

	return truncate(b.String(), maxContextChars)
}
