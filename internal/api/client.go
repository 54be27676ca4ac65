package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zhanat1998/arashan-chat/internal/chat"
	"go.uber.org/zap"
)

// Client talks to the persistence collaborator: conversations, messages and
// the presence table, over authenticated HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// New creates an API client. timeout bounds every request; zero means 15s.
func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Pagination mirrors the server's page descriptor.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// ConversationPage is one window of a conversation's history. Messages are
// ordered newest-first, counting from the newest end at Pagination.Offset.
type ConversationPage struct {
	Conversation chat.Conversation `json:"conversation"`
	Messages     []chat.Message    `json:"messages"`
	Pagination   Pagination        `json:"pagination"`
}

// ListConversations returns the full conversation list for the identity,
// ordered by last activity descending.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out.Conversations, nil
}

// FetchPage returns one page of a conversation's history.
func (c *Client) FetchPage(ctx context.Context, convID string, limit, offset int) (*ConversationPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var page ConversationPage
	path := "/conversations/" + url.PathEscape(convID) + "?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	return &page, nil
}

// PostMessage persists a new message and returns the authoritative record
// with the server-assigned id and timestamp.
func (c *Client) PostMessage(ctx context.Context, convID, body string, mtype chat.MessageType, metadata map[string]any) (*chat.Message, error) {
	req := map[string]any{
		"message":      body,
		"message_type": mtype,
	}
	if len(metadata) > 0 {
		req["metadata"] = metadata
	}
	var out struct {
		Message chat.Message `json:"message"`
	}
	path := "/conversations/" + url.PathEscape(convID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	return &out.Message, nil
}

// EditMessage replaces a message body and returns the edited record.
func (c *Client) EditMessage(ctx context.Context, id, body string) (*chat.Message, error) {
	var out struct {
		Message chat.Message `json:"message"`
	}
	path := "/messages/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, map[string]any{"message": body}, &out); err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return &out.Message, nil
}

// DeleteMessage tombstones a message.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	path := "/messages/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// CreateConversation creates or returns the conversation for a buyer/shop
// pair, optionally carrying the first message.
func (c *Client) CreateConversation(ctx context.Context, counterpartyID, firstMessage string) (*chat.Conversation, error) {
	req := map[string]any{"counterparty_id": counterpartyID}
	if firstMessage != "" {
		req["message"] = firstMessage
	}
	var out struct {
		Conversation chat.Conversation `json:"conversation"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &out); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &out.Conversation, nil
}

// MarkRead flags the given message ids as read by the receiver. A failed
// receipt does not stop the rest; every id gets its write attempted and
// the failures come back joined.
func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		path := "/messages/" + url.PathEscape(id)
		if err := c.do(ctx, http.MethodPatch, path, map[string]any{"is_read": true}, nil); err != nil {
			errs = append(errs, fmt.Errorf("mark read %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// UpsertPresence writes the local identity's presence row, last-write-wins.
func (c *Client) UpsertPresence(ctx context.Context, rec chat.PresenceRecord) error {
	if err := c.do(ctx, http.MethodPut, "/presence", rec, nil); err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return chat.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return chat.ErrNotFound
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
